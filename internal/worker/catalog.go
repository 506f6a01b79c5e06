package worker

import (
	"rocket-sync-lite/internal/listener"
	"rocket-sync-lite/internal/observer"
	"rocket-sync-lite/internal/subscriber"
)

// Catalog is the fixed list of modules every worker runs, in registration
// order. Unregistration walks it backwards.
func Catalog() []listener.Factory {
	return []listener.Factory{
		subscriber.NewLoginServiceConfigurationSubscriber,
		subscriber.NewActiveUsersSubscriber,
		subscriber.NewUserDataSubscriber,
		subscriber.NewRoomSubscriptionSubscriber,
		observer.NewTokenLoginObserver,
		observer.NewMethodCallObserver,
		observer.NewLoadMessageProcedureObserver,
		observer.NewGetUsersOfRoomsProcedureObserver,
		observer.NewNewMessageObserver,
		observer.NewFileUploadingToS3Observer,
		subscriber.NewStreamRoomMessageManager,
		observer.NewReactiveNotificationManager,
	}
}

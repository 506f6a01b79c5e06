package model

import "rocket-sync-lite/internal/store"

// Schema lists every persisted kind.
func Schema() store.Schema {
	s := store.Schema{}
	store.Register[ServerConnection](s)
	store.Register[Session](s)
	store.Register[User](s)
	store.Register[LoginServiceConfiguration](s)
	store.Register[RoomSubscription](s)
	store.Register[NotificationItem](s)
	store.Register[Message](s)
	store.Register[MethodCall](s)
	store.Register[LoadMessageProcedure](s)
	store.Register[GetUsersOfRoomsProcedure](s)
	store.Register[FileUploading](s)
	return s
}

package subscriber

import (
	"rocket-sync-lite/internal/listener"
	"rocket-sync-lite/internal/model"
)

func NewLoginServiceConfigurationSubscriber(env *listener.Env) listener.Registrable {
	return New(env, "meteor.loginServiceConfiguration", "meteor_accounts_loginServiceConfiguration",
		Merge(func(c model.LoginServiceConfiguration, id string) model.LoginServiceConfiguration {
			c.ID = id
			return c
		}))
}

func NewActiveUsersSubscriber(env *listener.Env) listener.Registrable {
	return New(env, "activeUsers", "users", Merge(userWithID))
}

func NewUserDataSubscriber(env *listener.Env) listener.Registrable {
	return New(env, "userData", "users", Merge(userWithID))
}

func NewRoomSubscriptionSubscriber(env *listener.Env) listener.Registrable {
	return New(env, "subscription", "rocketchat_subscription",
		Merge(func(r model.RoomSubscription, id string) model.RoomSubscription {
			r.ID = id
			return r
		}))
}

func userWithID(u model.User, id string) model.User {
	u.ID = id
	return u
}

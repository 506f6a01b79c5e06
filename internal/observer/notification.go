package observer

import (
	"rocket-sync-lite/internal/listener"
	"rocket-sync-lite/internal/logger"
	"rocket-sync-lite/internal/model"
	"rocket-sync-lite/internal/store"
)

const notificationDescription = "new message"

// ReactiveNotificationManager rebuilds the notification feed from the
// open room subscriptions on every subscription change.
type ReactiveNotificationManager struct {
	env *listener.Env

	registered bool
	stopWatch  func()
}

func NewReactiveNotificationManager(env *listener.Env) listener.Registrable {
	return &ReactiveNotificationManager{env: env}
}

func (m *ReactiveNotificationManager) Register() {
	if m.registered {
		return
	}
	m.registered = true
	m.stopWatch = m.env.Store.Watch(func() { m.env.Exec.Post(m.recompute) }, model.KindRoomSubscription)
	m.recompute()
}

func (m *ReactiveNotificationManager) Unregister() {
	if !m.registered {
		return
	}
	m.registered = false
	if m.stopWatch != nil {
		m.stopWatch()
		m.stopWatch = nil
	}
}

func (m *ReactiveNotificationManager) recompute() {
	if !m.registered {
		return
	}
	err := m.env.Store.Update(func(tx *store.Tx) error {
		rooms := store.Find[model.RoomSubscription](tx, func(r model.RoomSubscription) bool { return r.Open })
		for _, room := range rooms {
			if err := tx.Put(notificationFor(tx, room)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.ErrorF("[%s] notifications: recompute failed: %v", m.env.Hostname, err)
	}
}

func notificationFor(tx *store.Tx, room model.RoomSubscription) model.NotificationItem {
	item := model.NotificationItem{
		RoomID:           room.RoomID,
		Title:            room.Name,
		Description:      notificationDescription,
		UnreadCount:      room.Unread,
		ContentUpdatedAt: room.UpdatedAt.Millis(),
		LastSeenAt:       room.LastSeen.Millis(),
	}
	if prev, err := store.Get[model.NotificationItem](tx, room.RoomID); err == nil && prev.LastSeenAt > item.LastSeenAt {
		item.LastSeenAt = prev.LastSeenAt
	}
	if room.Type == model.RoomTypeDirectMessage {
		name := room.Name
		item.SenderName = &name
	}
	return item
}

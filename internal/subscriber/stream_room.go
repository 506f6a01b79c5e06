package subscriber

import (
	"github.com/tidwall/gjson"

	"rocket-sync-lite/internal/ddp"
	"rocket-sync-lite/internal/listener"
	"rocket-sync-lite/internal/model"
	"rocket-sync-lite/internal/selection"
	"rocket-sync-lite/internal/store"
)

const streamRoomMessages = "stream-room-messages"

// NewStreamRoomMessage subscribes to live messages of one room. Every
// pushed message is stored as SYNCED, replacing an optimistic copy.
func NewStreamRoomMessage(env *listener.Env, roomID string) *Subscription {
	return New(env, streamRoomMessages, streamRoomMessages, func(tx *store.Tx, ev ddp.Event) error {
		if ev.Type == ddp.EventRemoved {
			return nil
		}
		fields := gjson.ParseBytes(ev.Fields)
		if rid := fields.Get("eventName").Str; rid != "" && rid != roomID {
			return nil
		}
		for _, arg := range fields.Get("args").Array() {
			if !arg.IsObject() {
				continue
			}
			msg, err := model.DecodeMessage([]byte(arg.Raw))
			if err != nil {
				return err
			}
			if msg.ID == "" {
				continue
			}
			if err := tx.Put(msg); err != nil {
				return err
			}
		}
		return nil
	}, roomID, false)
}

// StreamRoomMessageManager keeps a message stream open for the selected
// room. Switching rooms stops the old stream before the new one starts,
// as two separate loop tasks.
type StreamRoomMessageManager struct {
	env *listener.Env

	registered bool
	roomID     string
	stream     *Subscription
	stops      []func()
}

func NewStreamRoomMessageManager(env *listener.Env) listener.Registrable {
	return &StreamRoomMessageManager{env: env}
}

func (m *StreamRoomMessageManager) Register() {
	if m.registered {
		return
	}
	m.registered = true
	if m.env.Selection != nil {
		m.stops = append(m.stops, m.env.Selection.Watch(func(key, _ string) {
			if key == selection.KeySelectedRoom {
				m.env.Exec.Post(m.refresh)
			}
		}))
	}
	// The selected room may only become known once subscriptions sync.
	m.stops = append(m.stops, m.env.Store.Watch(func() {
		m.env.Exec.Post(m.refresh)
	}, model.KindRoomSubscription))
	m.refresh()
}

func (m *StreamRoomMessageManager) Unregister() {
	if !m.registered {
		return
	}
	m.registered = false
	for _, stop := range m.stops {
		stop()
	}
	m.stops = nil
	m.roomID = ""
	m.env.Exec.Post(m.stopStream)
}

func (m *StreamRoomMessageManager) refresh() {
	if !m.registered {
		return
	}
	roomID := ""
	if m.env.Selection != nil {
		roomID = m.env.Selection.Get(selection.KeySelectedRoom)
	}
	if roomID != "" {
		exists := false
		_ = m.env.Store.View(func(tx *store.Tx) error {
			_, exists = store.First[model.RoomSubscription](tx, func(r model.RoomSubscription) bool {
				return r.RoomID == roomID
			})
			return nil
		})
		if exists {
			if m.roomID != roomID {
				m.roomID = roomID
				m.onRoomChanged(roomID)
			}
			return
		}
	}
	if m.roomID != "" {
		m.roomID = ""
		m.onRoomChanged("")
	}
}

func (m *StreamRoomMessageManager) onRoomChanged(roomID string) {
	m.env.Exec.Post(m.stopStream)
	if roomID == "" {
		return
	}
	m.env.Exec.Post(func() {
		if !m.registered || m.roomID != roomID {
			return
		}
		m.stream = NewStreamRoomMessage(m.env, roomID)
		m.stream.Register()
	})
}

func (m *StreamRoomMessageManager) stopStream() {
	if m.stream != nil {
		m.stream.Unregister()
		m.stream = nil
	}
}

// RoomID is the room currently streamed; empty when none.
func (m *StreamRoomMessageManager) RoomID() string {
	return m.roomID
}

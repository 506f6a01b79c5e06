package subscriber

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"rocket-sync-lite/internal/ddp/ddptest"
	"rocket-sync-lite/internal/listener/listenertest"
	"rocket-sync-lite/internal/model"
	"rocket-sync-lite/internal/selection"
	"rocket-sync-lite/internal/store"
)

func getUser(s *store.Store, id string) (model.User, bool) {
	var (
		u   model.User
		err error
	)
	listenertest.Read(s, func(tx *store.Tx) { u, err = store.Get[model.User](tx, id) })
	return u, err == nil
}

func TestMerge_ClearedAndChangedFields(t *testing.T) {
	u, err := MergeFields(model.User{ID: "u1", Username: "ann", Status: "online"}, json.RawMessage(`{"name":"Ann"}`), []string{"status"})
	if err != nil {
		t.Fatalf("MergeFields: %v", err)
	}
	assert.Equal(t, u, model.User{ID: "u1", Username: "ann", Name: "Ann"})
}

func TestActiveUsersSubscriber_MirrorsCollection(t *testing.T) {
	srv := ddptest.NewServer()
	defer srv.Close()
	srv.Publish("activeUsers", func(conn *ddptest.Conn, _ json.RawMessage) error {
		return conn.Added("users", "u1", map[string]any{"username": "ann", "status": "online"})
	})
	env, loop := listenertest.NewEnv(t, srv)

	sub := NewActiveUsersSubscriber(env)
	loop.Call(sub.Register)

	listenertest.Eventually(t, 2*time.Second, func() bool {
		u, ok := getUser(env.Store, "u1")
		return ok && u.Status == "online"
	})

	srv.Changed("users", "u1", map[string]any{"status": "away"})
	listenertest.Eventually(t, 2*time.Second, func() bool {
		u, _ := getUser(env.Store, "u1")
		return u.Status == "away" && u.Username == "ann"
	})

	srv.Removed("users", "u1")
	listenertest.Eventually(t, 2*time.Second, func() bool {
		_, ok := getUser(env.Store, "u1")
		return !ok
	})

	loop.Call(sub.Unregister)
	listenertest.Eventually(t, 2*time.Second, func() bool { return len(srv.Unsubscribed()) == 1 })
	assert.Equal(t, srv.Unsubscribed(), []string{"activeUsers"})

	srv.Added("users", "u2", map[string]any{"username": "bob"})
	time.Sleep(30 * time.Millisecond)
	_, ok := getUser(env.Store, "u2")
	assert.Equal(t, ok, false)
}

func TestRoomSubscriptionSubscriber_DecodesDates(t *testing.T) {
	srv := ddptest.NewServer()
	defer srv.Close()
	env, loop := listenertest.NewEnv(t, srv)

	sub := NewRoomSubscriptionSubscriber(env)
	loop.Call(sub.Register)
	listenertest.Eventually(t, 2*time.Second, func() bool { return len(srv.Subscriptions()) == 1 })

	srv.Added("rocketchat_subscription", "s1", map[string]any{
		"rid": "r1", "name": "general", "t": "c", "open": true, "unread": 2,
		"ls": map[string]any{"$date": 100}, "_updatedAt": map[string]any{"$date": 200},
	})
	var room model.RoomSubscription
	listenertest.Eventually(t, 2*time.Second, func() bool {
		listenertest.Read(env.Store, func(tx *store.Tx) { room, _ = store.Get[model.RoomSubscription](tx, "s1") })
		return room.RoomID == "r1"
	})
	assert.Equal(t, room.LastSeen.Millis(), int64(100))
	assert.Equal(t, room.UpdatedAt.Millis(), int64(200))
	assert.Equal(t, room.Unread, 2)
}

func TestStreamRoomMessageManager_FollowsSelectedRoom(t *testing.T) {
	srv := ddptest.NewServer()
	defer srv.Close()
	var (
		mu       sync.Mutex
		streamed []string
	)
	srv.Publish(streamRoomMessages, func(_ *ddptest.Conn, params json.RawMessage) error {
		var p []any
		_ = json.Unmarshal(params, &p)
		mu.Lock()
		streamed = append(streamed, p[0].(string))
		mu.Unlock()
		return nil
	})
	env, loop := listenertest.NewEnv(t, srv)
	listenertest.Write(t, env.Store, func(tx *store.Tx) error {
		if err := tx.Put(model.RoomSubscription{ID: "s1", RoomID: "r1"}); err != nil {
			return err
		}
		return tx.Put(model.RoomSubscription{ID: "s2", RoomID: "r2"})
	})

	m := NewStreamRoomMessageManager(env).(*StreamRoomMessageManager)
	loop.Call(m.Register)

	// Unknown rooms start nothing.
	env.Selection.Set(selection.KeySelectedRoom, "missing")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, len(srv.Subscriptions()), 0)

	env.Selection.Set(selection.KeySelectedRoom, "r1")
	listenertest.Eventually(t, 2*time.Second, func() bool { return len(srv.Subscriptions()) == 1 })

	srv.Changed(streamRoomMessages, "id", map[string]any{
		"eventName": "r1",
		"args":      []any{map[string]any{"_id": "m1", "rid": "r1", "msg": "hi", "ts": map[string]any{"$date": 5}}},
	})
	var msg model.Message
	listenertest.Eventually(t, 2*time.Second, func() bool {
		listenertest.Read(env.Store, func(tx *store.Tx) { msg, _ = store.Get[model.Message](tx, "m1") })
		return msg.ID == "m1"
	})
	assert.Equal(t, msg.Sync, model.SyncStateSynced)

	// Rapid switching ends with exactly one stream, for the last room.
	env.Selection.Set(selection.KeySelectedRoom, "r2")
	env.Selection.Set(selection.KeySelectedRoom, "r1")
	env.Selection.Set(selection.KeySelectedRoom, "r2")
	listenertest.Eventually(t, 2*time.Second, func() bool {
		var room string
		loop.Call(func() { room = m.RoomID() })
		return room == "r2" && len(srv.Subscriptions()) == 1 && len(srv.Unsubscribed()) >= 1
	})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, len(srv.Subscriptions()), 1)
	mu.Lock()
	assert.Equal(t, streamed[len(streamed)-1], "r2")
	mu.Unlock()

	env.Selection.Set(selection.KeySelectedRoom, "")
	listenertest.Eventually(t, 2*time.Second, func() bool { return len(srv.Subscriptions()) == 0 })

	loop.Call(m.Unregister)
}

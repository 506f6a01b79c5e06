// Package listenertest wires listener environments for tests.
package listenertest

import (
	"context"
	"testing"
	"time"

	"rocket-sync-lite/internal/ddp"
	"rocket-sync-lite/internal/ddp/ddptest"
	"rocket-sync-lite/internal/listener"
	"rocket-sync-lite/internal/selection"
	"rocket-sync-lite/internal/store"
)

// NewEnv starts a loop and, when srv is not nil, a client connected to
// it. Everything is torn down with the test.
func NewEnv(t *testing.T, srv *ddptest.Server) (*listener.Env, *listener.Loop) {
	t.Helper()
	loop := listener.NewLoop()
	go loop.Run()
	ctx, cancel := context.WithCancel(context.Background())

	env := &listener.Env{
		Ctx:       ctx,
		Hostname:  "test",
		Store:     store.New(),
		Exec:      loop,
		Selection: selection.New(),
		Options:   listener.Options{UploadChunkSize: 4, UploadConcurrency: 3},
	}
	var client *ddp.Client
	if srv != nil {
		dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
		defer dialCancel()
		c, err := ddp.Dial(dialCtx, srv.URL(), "", ddp.Options{Name: "test"})
		if err != nil {
			cancel()
			loop.Stop()
			t.Fatalf("Dial: %v", err)
		}
		client = c
		env.Client = c
		env.Hostname = srv.Host()
	}

	t.Cleanup(func() {
		cancel()
		if client != nil {
			_ = client.Close()
		}
		loop.Stop()
	})
	return env, loop
}

// Eventually polls cond until it holds or fails the test after timeout.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// Read runs fn in a read transaction.
func Read(s *store.Store, fn func(tx *store.Tx)) {
	_ = s.View(func(tx *store.Tx) error {
		fn(tx)
		return nil
	})
}

// Write runs fn in a write transaction and fails the test on error.
func Write(t *testing.T, s *store.Store, fn func(tx *store.Tx) error) {
	t.Helper()
	if err := s.Update(fn); err != nil {
		t.Fatalf("Update: %v", err)
	}
}

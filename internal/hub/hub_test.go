package hub

import (
	"errors"
	"sync"
	"testing"
	"time"

	"rocket-sync-lite/internal/listener/listenertest"
)

var errTest = errors.New("test")

type testWriter struct {
	mu      sync.Mutex
	written []string
	fail    bool
	closed  bool
	// block, when set, holds every write until it is closed.
	block chan struct{}
}

func (w *testWriter) Write(message []byte) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = append(w.written, string(message))
	if w.fail {
		return errTest
	}
	return nil
}

func (w *testWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *testWriter) messages() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.written...)
}

func TestHub_RegisterBroadcastUnregister(t *testing.T) {
	h := New(nil)
	w1 := &testWriter{}
	c1 := &Connection{ServerID: "s", Writer: w1}

	h.Register(c1)
	h.Broadcast("s", []byte("x"))
	h.Broadcast("other", []byte("y"))
	listenertest.Eventually(t, time.Second, func() bool { return len(w1.messages()) == 1 })

	h.Unregister(c1)
	h.Broadcast("s", []byte("z"))
	time.Sleep(20 * time.Millisecond)
	if got := w1.messages(); len(got) != 1 || got[0] != "x" {
		t.Fatalf("expected only x, got %v", got)
	}
}

func TestHub_RemovesFailedConnections(t *testing.T) {
	h := New(nil)
	w1 := &testWriter{fail: true}
	c1 := &Connection{ServerID: "s", Writer: w1}
	h.Register(c1)

	h.Broadcast("s", []byte("x"))
	listenertest.Eventually(t, time.Second, func() bool { return h.Count("s") == 0 })
	h.Broadcast("s", []byte("x"))
	time.Sleep(20 * time.Millisecond)
	if n := len(w1.messages()); n != 1 {
		t.Fatalf("expected only 1 write before removal, got %d", n)
	}
	w1.mu.Lock()
	defer w1.mu.Unlock()
	if !w1.closed {
		t.Fatalf("expected the failed writer to be closed")
	}
}

func TestHub_BroadcastDoesNotWaitForSlowClient(t *testing.T) {
	h := New(nil)
	slow := &testWriter{block: make(chan struct{})}
	fast := &testWriter{}
	h.Register(&Connection{ServerID: "s", Writer: slow})
	h.Register(&Connection{ServerID: "s", Writer: fast})

	begin := time.Now()
	for _, m := range []string{"1", "2", "3"} {
		h.Broadcast("s", []byte(m))
		time.Sleep(5 * time.Millisecond)
	}
	if elapsed := time.Since(begin); elapsed > 500*time.Millisecond {
		t.Fatalf("broadcast waited for a blocked client: %v", elapsed)
	}
	listenertest.Eventually(t, time.Second, func() bool {
		got := fast.messages()
		return len(got) > 0 && got[len(got)-1] == "3"
	})

	close(slow.block)
	listenertest.Eventually(t, time.Second, func() bool {
		got := slow.messages()
		return len(got) > 0 && got[len(got)-1] == "3"
	})
	// The blocked client skips snapshots superseded while it was stuck.
	if n := len(slow.messages()); n > 2 {
		t.Fatalf("expected at most 2 writes to the slow client, got %d", n)
	}
}

func TestHub_WatchFollowsFirstAndLastClient(t *testing.T) {
	started, stopped := 0, 0
	h := New(func(serverID string) func() {
		started++
		return func() { stopped++ }
	})
	c1 := &Connection{ServerID: "s", Writer: &testWriter{}}
	c2 := &Connection{ServerID: "s", Writer: &testWriter{}}

	h.Register(c1)
	h.Register(c2)
	h.Unregister(c1)
	if started != 1 || stopped != 0 {
		t.Fatalf("expected one running watch, got started=%d stopped=%d", started, stopped)
	}
	h.Unregister(c2)
	h.Unregister(c2)
	if stopped != 1 {
		t.Fatalf("expected watch stopped once, got %d", stopped)
	}
}

package ws

import (
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	got    [][]byte
	fail   bool
	closed bool
}

func (r *recorder) Send(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broken pipe")
	}
	r.got = append(r.got, payload)
	return nil
}

func (r *recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func (r *recorder) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.got))
	for i, p := range r.got {
		out[i] = string(p)
	}
	return out
}

func (r *recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func TestHubBroadcastsPerStream(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	a, b := &recorder{}, &recorder{}
	hub.Register("sb-1", a)
	hub.Register("sb-2", b)
	hub.Broadcast("sb-1", []byte("hello"))
	hub.Broadcast("sb-2", []byte("other"))
	// The count query is served by the run loop after both broadcasts.
	if n := hub.Subscribers("sb-1"); n != 1 {
		t.Fatalf("expected one subscriber, got %d", n)
	}

	if got := a.payloads(); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("unexpected payloads for sb-1: %q", got)
	}
	if got := b.payloads(); len(got) != 1 || got[0] != "other" {
		t.Fatalf("unexpected payloads for sb-2: %q", got)
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	bad := &recorder{fail: true}
	hub.Register("sb-1", bad)
	hub.Broadcast("sb-1", []byte("x"))
	if n := hub.Subscribers("sb-1"); n != 0 {
		t.Fatalf("failing subscriber should be removed, %d left", n)
	}
	if !bad.isClosed() {
		t.Fatalf("failing subscriber should be closed")
	}
}

func TestHubCloseReleasesSubscribers(t *testing.T) {
	hub := NewHub()
	sub := &recorder{}
	hub.Register("sb-1", sub)
	hub.Close()

	deadline := time.Now().Add(time.Second)
	for !sub.isClosed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !sub.isClosed() {
		t.Fatalf("subscriber should be closed with the hub")
	}
	// Calls after Close must not block.
	hub.Broadcast("sb-1", []byte("late"))
	hub.Unregister("sb-1", sub)
	if n := hub.Subscribers("sb-1"); n != 0 {
		t.Fatalf("closed hub reports %d subscribers", n)
	}
}

func TestRoomsRelayExceptSender(t *testing.T) {
	rooms := NewRooms()
	alice, bob, carol := &recorder{}, &recorder{}, &recorder{}

	if existing := rooms.Join("sb-1", Member{UserID: "alice", Conn: alice}); len(existing) != 0 {
		t.Fatalf("expected empty room, got %d", len(existing))
	}
	existing := rooms.Join("sb-1", Member{UserID: "bob", Conn: bob})
	if len(existing) != 1 || existing[0].UserID != "alice" {
		t.Fatalf("unexpected existing members %+v", existing)
	}
	rooms.Join("sb-2", Member{UserID: "carol", Conn: carol})

	rooms.Broadcast("sb-1", []byte("edit"), alice)
	if alice.count() != 0 || bob.count() != 1 || carol.count() != 0 {
		t.Fatalf("unexpected delivery alice=%d bob=%d carol=%d", alice.count(), bob.count(), carol.count())
	}

	rooms.Broadcast("sb-1", []byte("chat"), nil)
	if alice.count() != 1 || bob.count() != 2 {
		t.Fatalf("broadcast without skip should reach everyone")
	}

	m, ok := rooms.Leave("sb-1", bob)
	if !ok || m.UserID != "bob" {
		t.Fatalf("unexpected leave result %+v %v", m, ok)
	}
	if got := rooms.Members("sb-1"); len(got) != 1 || got[0].UserID != "alice" {
		t.Fatalf("unexpected members after leave %+v", got)
	}
}

func TestRoomsDropFailingMembers(t *testing.T) {
	rooms := NewRooms()
	good, bad := &recorder{}, &recorder{fail: true}
	rooms.Join("sb-1", Member{UserID: "good", Conn: good})
	rooms.Join("sb-1", Member{UserID: "bad", Conn: bad})

	rooms.Broadcast("sb-1", []byte("x"), nil)
	if !bad.closed {
		t.Fatalf("failing member should be closed")
	}
	if got := rooms.Members("sb-1"); len(got) != 1 || got[0].UserID != "good" {
		t.Fatalf("failing member should be removed, got %+v", got)
	}
}

func TestSSEClientFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, "activity", slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := client.Open(3000); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if err := client.Send([]byte(`{"kind":"started"}`)); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if err := client.Heartbeat(); err != nil {
		t.Fatalf("Heartbeat returned error: %v", err)
	}
	client.Close()
	if err := client.Send([]byte("late")); err != io.EOF {
		t.Fatalf("expected io.EOF after close, got %v", err)
	}

	want := "retry: 3000\n: connected\n\nevent: activity\ndata: {\"kind\":\"started\"}\n\n: ping\n\n"
	if got := rec.Body.String(); got != want {
		t.Fatalf("unexpected stream:\n%q\nwant\n%q", got, want)
	}
	if !rec.Flushed {
		t.Fatalf("expected response to be flushed")
	}
}

package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/taxigrid/internal/models"
)

func TestOpenWithoutTokenDoesNotDial(t *testing.T) {
	srv := newWSServer(t)
	p := NewPush(srv.wsURL(), staticToken(""), nil)
	if err := p.Open(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
	if dials, _ := srv.stats(); dials != 0 {
		t.Fatalf("dialed %d times without a token", dials)
	}
}

func TestMalformedFramesDoNotTerminateStream(t *testing.T) {
	srv := newWSServer(t)
	p := NewPush(srv.wsURL(), staticToken("secret"), nil)
	var mu sync.Mutex
	var got []models.Notification
	p.Subscribe(func(n models.Notification) {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	})
	if err := p.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	waitFor(t, "server connection", func() bool { return srv.last() != nil })
	conn := srv.last()

	srv.send(conn, "{not json")
	srv.send(conn, `{"type":"MYSTERY","data":{}}`)
	srv.send(conn, `{"type":"NEW_ORDER_PROPOSAL"}`)
	srv.send(conn, `{"type":"NEW_ORDER_PROPOSAL","data":{"ride_id":"r1","start_x":10,"start_y":10}}`)

	waitFor(t, "valid notification", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	if !p.Connected() {
		t.Fatal("malformed frame closed the connection")
	}
	if got[0].Type != models.NewOrderProposal || got[0].Timestamp.IsZero() {
		t.Fatalf("unexpected notification %+v", got[0])
	}
	srv.mu.Lock()
	tok := srv.tokens[0]
	srv.mu.Unlock()
	if tok != "secret" {
		t.Fatalf("token not passed to server: %q", tok)
	}
}

func TestUnsubscribeRemovesOnlyThatRegistration(t *testing.T) {
	srv := newWSServer(t)
	p := NewPush(srv.wsURL(), staticToken("t"), nil)
	var mu sync.Mutex
	count := 0
	handler := func(models.Notification) {
		mu.Lock()
		count++
		mu.Unlock()
	}
	first := p.Subscribe(handler)
	p.Subscribe(handler)
	first.Unsubscribe()
	first.Unsubscribe()

	if err := p.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	waitFor(t, "server connection", func() bool { return srv.last() != nil })
	srv.send(srv.last(), `{"type":"RIDE_STATUS_UPDATE","data":{"ride_id":"r1","status":"pending"}}`)
	waitFor(t, "delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 1
	})
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly one delivery, got %d", count)
	}
}

func TestServerCloseMarksDisconnectedWithoutReconnect(t *testing.T) {
	srv := newWSServer(t)
	p := NewPush(srv.wsURL(), staticToken("t"), nil)
	if err := p.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "server connection", func() bool { return srv.last() != nil })
	_ = srv.last().Close()
	waitFor(t, "disconnect", func() bool { return !p.Connected() })
	time.Sleep(30 * time.Millisecond)
	if dials, _ := srv.stats(); dials != 1 {
		t.Fatalf("expected no reconnect, got %d dials", dials)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close after drop: %v", err)
	}
	if err := p.Open(context.Background()); err != nil {
		t.Fatalf("explicit reopen failed: %v", err)
	}
	defer p.Close()
	if dials, _ := srv.stats(); dials != 2 {
		t.Fatalf("expected reopen to dial, got %d dials", dials)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := newWSServer(t)
	p := NewPush(srv.wsURL(), staticToken("t"), nil)
	if err := p.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "server connection", func() bool { return srv.last() != nil })
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	waitFor(t, "close frame", func() bool { _, c := srv.stats(); return c == 1 })
	if p.Connected() {
		t.Fatal("still connected after close")
	}
}

func TestDecodeNotificationStampsReceiptTime(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n, err := DecodeNotification([]byte(`{"type":"ERROR","data":{"message":"x"},"timestamp":1}`), at)
	if err != nil {
		t.Fatal(err)
	}
	if !n.Timestamp.Equal(at) {
		t.Fatalf("timestamp %v, want %v", n.Timestamp, at)
	}
}

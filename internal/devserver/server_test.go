package devserver

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/taxigrid/internal/events"
	"github.com/example/taxigrid/internal/grid"
	"github.com/example/taxigrid/internal/models"
	"github.com/example/taxigrid/internal/rideapi"
	"github.com/example/taxigrid/internal/session"
	"github.com/example/taxigrid/internal/storage"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type testBackend struct {
	srv *Server
	ts  *httptest.Server
	pub *recordingPublisher
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	pub := &recordingPublisher{}
	srv := New(Options{Events: pub, ProposalTimeout: 200 * time.Millisecond})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		_ = srv.Close()
		ts.Close()
	})
	return &testBackend{srv: srv, ts: ts, pub: pub}
}

func (b *testBackend) wsURL() string { return "ws" + strings.TrimPrefix(b.ts.URL, "http") }

// account registers a user and returns a session and API client for it.
func (b *testBackend) account(t *testing.T, email string) (*session.Context, *rideapi.Client) {
	t.Helper()
	tok, err := rideapi.NewClient(b.ts.URL, nil, time.Second).Register(context.Background(), email, "secret-pw")
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	sess := session.New(session.Credentials{Token: tok})
	if sess.UserID() == "" {
		t.Fatalf("no user id derived from token for %s", email)
	}
	return sess, rideapi.NewClient(b.ts.URL, sess, 2*time.Second)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegisterLoginAndRejectBadPassword(t *testing.T) {
	b := newTestBackend(t)
	c := rideapi.NewClient(b.ts.URL, nil, time.Second)
	ctx := context.Background()
	if _, err := c.Register(ctx, "a@example.com", "secret-pw"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Register(ctx, "A@example.com", "secret-pw"); !errors.Is(err, rideapi.ErrValidation) {
		t.Fatalf("duplicate register err = %v", err)
	}
	tok, err := c.Login(ctx, "a@example.com", "secret-pw")
	if err != nil || tok == "" {
		t.Fatalf("login = %q, %v", tok, err)
	}
	if _, err := c.Login(ctx, "a@example.com", "wrong"); !errors.Is(err, rideapi.ErrUnauthorized) {
		t.Fatalf("bad password err = %v", err)
	}
}

func TestRideEndpointsRequireBearer(t *testing.T) {
	b := newTestBackend(t)
	c := rideapi.NewClient(b.ts.URL, session.New(session.Credentials{Token: "garbage"}), time.Second)
	if _, err := c.ListRideHistory(context.Background()); !errors.Is(err, rideapi.ErrUnauthorized) {
		t.Fatalf("history with bad token err = %v", err)
	}
}

func TestCreateRidePricesByManhattanDistance(t *testing.T) {
	b := newTestBackend(t)
	_, c := b.account(t, "p@example.com")
	r, err := c.CreateRide(context.Background(), grid.Position{X: 0, Y: 0}, grid.Position{X: 99, Y: 99})
	if err != nil {
		t.Fatal(err)
	}
	if r.ID == "" || r.Status != models.StatusPending {
		t.Fatalf("ride = %+v", r)
	}
	if r.Price == nil || *r.Price != 50+198*5 {
		t.Fatalf("price = %v", r.Price)
	}
	hist, err := c.ListRideHistory(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].ID != r.ID {
		t.Fatalf("history = %+v", hist)
	}
	waitFor(t, "OrderCreated event", func() bool {
		ts := b.pub.types()
		return len(ts) > 0 && ts[0] == events.OrderCreated
	})
}

func TestAcceptTwiceConflicts(t *testing.T) {
	b := newTestBackend(t)
	_, pc := b.account(t, "p@example.com")
	_, d1 := b.account(t, "d1@example.com")
	_, d2 := b.account(t, "d2@example.com")
	ctx := context.Background()

	r, _ := pc.CreateRide(ctx, grid.Position{X: 1, Y: 1}, grid.Position{X: 2, Y: 2})
	got, err := d1.AcceptRide(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusDriverAssigned || got.DriverID == "" {
		t.Fatalf("accepted = %+v", got)
	}
	if _, err := d2.AcceptRide(ctx, r.ID); !errors.Is(err, rideapi.ErrConflict) {
		t.Fatalf("second accept err = %v", err)
	}
	if _, err := d2.AcceptRide(ctx, "9999"); !errors.Is(err, rideapi.ErrNotFound) {
		t.Fatalf("missing ride err = %v", err)
	}
}

func TestStatusUpdatesFollowLifecycle(t *testing.T) {
	b := newTestBackend(t)
	_, pc := b.account(t, "p@example.com")
	_, dc := b.account(t, "d@example.com")
	_, other := b.account(t, "o@example.com")
	ctx := context.Background()

	r, _ := pc.CreateRide(ctx, grid.Position{X: 1, Y: 1}, grid.Position{X: 5, Y: 5})
	if _, err := dc.AcceptRide(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := dc.UpdateRideStatus(ctx, r.ID, models.StatusInProgress); !errors.Is(err, rideapi.ErrConflict) {
		t.Fatalf("skip by command err = %v", err)
	}
	if _, err := pc.UpdateRideStatus(ctx, r.ID, models.StatusDriverArrived); !errors.Is(err, rideapi.ErrConflict) {
		t.Fatalf("passenger advance err = %v", err)
	}
	if _, err := pc.UpdateRideStatus(ctx, r.ID, models.StatusCancelled); !errors.Is(err, rideapi.ErrConflict) {
		t.Fatalf("cancel after assignment err = %v", err)
	}
	if _, err := other.UpdateRideStatus(ctx, r.ID, models.StatusDriverArrived); !errors.Is(err, rideapi.ErrUnauthorized) {
		t.Fatalf("outsider err = %v", err)
	}
	for _, s := range []models.RideStatus{models.StatusDriverArrived, models.StatusPassengerOnboard, models.StatusInProgress, models.StatusCompleted} {
		got, err := dc.UpdateRideStatus(ctx, r.ID, s)
		if err != nil {
			t.Fatalf("advance to %s: %v", s, err)
		}
		if got.Status != s {
			t.Fatalf("status = %s, want %s", got.Status, s)
		}
	}
	waitFor(t, "RideCompleted event", func() bool {
		ts := b.pub.types()
		return len(ts) > 0 && ts[len(ts)-1] == events.RideCompleted
	})
}

func TestPassengerCancelsPendingRide(t *testing.T) {
	b := newTestBackend(t)
	_, pc := b.account(t, "p@example.com")
	ctx := context.Background()
	r, _ := pc.CreateRide(ctx, grid.Position{X: 1, Y: 1}, grid.Position{X: 5, Y: 5})
	got, err := pc.UpdateRideStatus(ctx, r.ID, models.StatusCancelled)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestPresenceValidation(t *testing.T) {
	b := newTestBackend(t)
	sess, dc := b.account(t, "d@example.com")
	if err := dc.UpdatePresence(context.Background(), rideapi.PresenceOnline, grid.Position{X: 3, Y: 4}); err != nil {
		t.Fatal(err)
	}
	near, _ := b.srv.fleet.Nearby(context.Background(), grid.Position{X: 3, Y: 4}, 1, 0)
	if len(near) != 1 || near[0].ID != sess.UserID() {
		t.Fatalf("fleet = %+v", near)
	}

	for _, body := range []string{
		`{"status":"online","location":{"x":100,"y":1}}`,
		`{"status":"sleeping","location":{"x":1,"y":1}}`,
		`{"status":"online"}`,
	} {
		req, _ := http.NewRequest(http.MethodPut, b.ts.URL+"/api/v1/drivers/me/presence", bytes.NewBufferString(body))
		req.Header.Set("Authorization", "Bearer "+sess.Token())
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Fatalf("%s -> %d", body, resp.StatusCode)
		}
	}
}

func TestCreateRideRejectsMissingPickup(t *testing.T) {
	b := newTestBackend(t)
	sess, _ := b.account(t, "p@example.com")
	req, _ := http.NewRequest(http.MethodPost, b.ts.URL+"/api/v1/rides", bytes.NewBufferString(`{"end_x":1,"end_y":1}`))
	req.Header.Set("Authorization", "Bearer "+sess.Token())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	b := newTestBackend(t)
	resp, err := http.Get(b.ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("healthz status=%d request id=%q", resp.StatusCode, resp.Header.Get("X-Request-ID"))
	}
}

// interleavingStore lets another writer advance the ride between a request
// handler's read and its update. Background readers such as the matcher
// carry no user and are left alone.
type interleavingStore struct {
	*storage.MemoryStore
	once sync.Once
}

func (s *interleavingStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	r, err := s.MemoryStore.GetRide(ctx, id)
	if err == nil && r.Status == models.StatusDriverAssigned && userIDFromContext(ctx) != "" {
		s.once.Do(func() {
			_, _ = s.MemoryStore.UpdateStatus(ctx, id, models.StatusDriverAssigned, models.StatusDriverArrived)
		})
	}
	return r, err
}

func TestConcurrentStatusUpdateConflicts(t *testing.T) {
	store := &interleavingStore{MemoryStore: storage.NewMemoryStore()}
	srv := New(Options{Rides: store, ProposalTimeout: 200 * time.Millisecond})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		_ = srv.Close()
		ts.Close()
	})
	b := &testBackend{srv: srv, ts: ts}
	_, pc := b.account(t, "p@example.com")
	_, dc := b.account(t, "d@example.com")
	ctx := context.Background()

	r, _ := pc.CreateRide(ctx, grid.Position{X: 1, Y: 1}, grid.Position{X: 3, Y: 3})
	if _, err := dc.AcceptRide(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := dc.UpdateRideStatus(ctx, r.ID, models.StatusDriverArrived); !errors.Is(err, rideapi.ErrConflict) {
		t.Fatalf("lost update err = %v, want conflict", err)
	}
	cur, _ := store.MemoryStore.GetRide(ctx, r.ID)
	if cur.Status != models.StatusDriverArrived {
		t.Fatalf("status = %s", cur.Status)
	}
}

func TestPanickingHandlerAnswersDetailAndKeepsRequestID(t *testing.T) {
	srv := New(Options{})
	t.Cleanup(func() { _ = srv.Close() })
	srv.router.HandleFunc("/boom", func(w http.ResponseWriter, r *http.Request) { panic("kaboom") })

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("request id = %q", got)
	}
	if !strings.Contains(rec.Body.String(), `"detail"`) {
		t.Fatalf("body = %q", rec.Body.String())
	}

	long := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	long.Header.Set("X-Request-ID", strings.Repeat("x", maxRequestIDLen+1))
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, long)
	if got := rec.Header().Get("X-Request-ID"); len(got) == 0 || len(got) > maxRequestIDLen {
		t.Fatalf("oversized request id not replaced: %q", got)
	}
}

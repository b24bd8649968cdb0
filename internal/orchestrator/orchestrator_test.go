package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/taxigrid/internal/grid"
	"github.com/example/taxigrid/internal/models"
	"github.com/example/taxigrid/internal/proposal"
	"github.com/example/taxigrid/internal/ride"
	"github.com/example/taxigrid/internal/rideapi"
	"github.com/example/taxigrid/internal/session"
)

type presenceCall struct {
	status string
	pos    grid.Position
}

type fakeAPI struct {
	mu        sync.Mutex
	presence  []presenceCall
	created   []models.Ride
	accepted  []string
	acceptErr error
	history   []models.Ride
	statuses  []models.RideStatus

	// when acceptGate is set, AcceptRide signals acceptEntered and blocks
	// until the gate is closed
	acceptEntered chan struct{}
	acceptGate    chan struct{}
}

func (f *fakeAPI) CreateRide(ctx context.Context, pickup, dest grid.Position) (models.Ride, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := dest
	r := models.Ride{ID: "p1", Pickup: pickup, Destination: &d, Status: models.StatusPending}
	f.created = append(f.created, r)
	return r, nil
}

func (f *fakeAPI) AcceptRide(ctx context.Context, rideID string) (models.Ride, error) {
	if f.acceptGate != nil {
		f.acceptEntered <- struct{}{}
		<-f.acceptGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, rideID)
	if f.acceptErr != nil {
		return models.Ride{}, f.acceptErr
	}
	return models.Ride{ID: rideID, Status: models.StatusDriverAssigned}, nil
}

func (f *fakeAPI) UpdateRideStatus(ctx context.Context, rideID string, status models.RideStatus) (models.Ride, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return models.Ride{ID: rideID, Status: status}, nil
}

func (f *fakeAPI) ListRideHistory(ctx context.Context) ([]models.Ride, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Ride(nil), f.history...), nil
}

func (f *fakeAPI) UpdatePresence(ctx context.Context, status string, pos grid.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence = append(f.presence, presenceCall{status, pos})
	return nil
}

func (f *fakeAPI) setHistory(rides ...models.Ride) {
	f.mu.Lock()
	f.history = rides
	f.mu.Unlock()
}

func (f *fakeAPI) presenceCalls() []presenceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]presenceCall(nil), f.presence...)
}

// notifyServer is a minimal push endpoint that counts dials and clean closes.
type notifyServer struct {
	*httptest.Server
	mu     sync.Mutex
	conns  []*websocket.Conn
	closes int
}

func newNotifyServer(t *testing.T) *notifyServer {
	t.Helper()
	s := &notifyServer{}
	up := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					s.mu.Lock()
					s.closes++
					s.mu.Unlock()
				}
				return
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *notifyServer) wsURL() string { return "ws" + strings.TrimPrefix(s.URL, "http") }

func (s *notifyServer) send(frame string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) > 0 {
		_ = s.conns[len(s.conns)-1].WriteMessage(websocket.TextMessage, []byte(frame))
	}
}

func (s *notifyServer) stats() (dials, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns), s.closes
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestOrchestrator(t *testing.T, api *fakeAPI, wsURL string, cfg Config) *Orchestrator {
	t.Helper()
	cfg.WSBaseURL = wsURL
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	o := New(api, session.New(session.Credentials{Token: "tok", UserID: "u1"}), cfg, nil)
	t.Cleanup(o.Close)
	return o
}

func TestDriverOnlineProposalAccept(t *testing.T) {
	srv := newNotifyServer(t)
	api := &fakeAPI{}
	proposals := make(chan models.OrderProposal, 4)
	o := newTestOrchestrator(t, api, srv.wsURL(), Config{
		OnProposal: func(p models.OrderProposal) { proposals <- p },
	})

	if err := o.GoOnline(context.Background(), grid.Position{X: 50, Y: 50}); !errors.Is(err, ErrWrongRole) {
		t.Fatalf("GoOnline before role = %v, want ErrWrongRole", err)
	}
	if err := o.SwitchRole(ride.RoleDriver); err != nil {
		t.Fatal(err)
	}
	if err := o.GoOnline(context.Background(), grid.Position{X: 50, Y: 50}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first heartbeat", func() bool { return len(api.presenceCalls()) > 0 })
	if got := api.presenceCalls()[0]; got.status != rideapi.PresenceOnline || got.pos != (grid.Position{X: 50, Y: 50}) {
		t.Fatalf("first heartbeat = %+v", got)
	}

	waitFor(t, "push connection", func() bool { d, _ := srv.stats(); return d == 1 })
	srv.send(`{"type":"NEW_ORDER_PROPOSAL","data":{"ride_id":"r1","start_x":10,"start_y":12,"price":14.5}}`)
	select {
	case p := <-proposals:
		if p.RideID != "r1" || p.Pickup != (grid.Position{X: 10, Y: 12}) {
			t.Fatalf("proposal = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("proposal not delivered")
	}
	if st, _ := o.ProposalState(); st != proposal.StatePendingDecision {
		t.Fatalf("proposal state = %v", st)
	}

	r, err := o.AcceptProposal(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.StatusDriverAssigned {
		t.Fatalf("accepted ride status = %s", r.Status)
	}
	if st, _ := o.ProposalState(); st != proposal.StateNone {
		t.Fatalf("proposal state after accept = %v", st)
	}
	if cur, ok := o.Ride(); !ok || cur.ID != "r1" {
		t.Fatalf("active ride = %+v, %v", cur, ok)
	}
}

func TestDriverAdvanceCompletesAndReleasesRide(t *testing.T) {
	srv := newNotifyServer(t)
	api := &fakeAPI{}
	o := newTestOrchestrator(t, api, srv.wsURL(), Config{})
	_ = o.SwitchRole(ride.RoleDriver)
	if err := o.GoOnline(context.Background(), grid.Position{X: 1, Y: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := o.AdvanceRide(context.Background()); !errors.Is(err, ErrNoRide) {
		t.Fatalf("AdvanceRide without ride = %v", err)
	}
	waitFor(t, "push connection", func() bool { d, _ := srv.stats(); return d == 1 })
	srv.send(`{"type":"NEW_ORDER_PROPOSAL","data":{"ride_id":"r7","start_x":3,"start_y":4}}`)
	waitFor(t, "proposal", func() bool { st, _ := o.ProposalState(); return st == proposal.StatePendingDecision })
	if _, err := o.AcceptProposal(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []models.RideStatus{models.StatusDriverArrived, models.StatusInProgress, models.StatusCompleted}
	for _, s := range want {
		r, err := o.AdvanceRide(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if r.Status != s {
			t.Fatalf("advanced to %s, want %s", r.Status, s)
		}
	}
	if _, ok := o.Ride(); ok {
		t.Fatal("completed ride still active")
	}
}

func TestDriverAcceptConflictIsRecoverable(t *testing.T) {
	srv := newNotifyServer(t)
	api := &fakeAPI{acceptErr: rideapi.ErrConflict}
	o := newTestOrchestrator(t, api, srv.wsURL(), Config{})
	_ = o.SwitchRole(ride.RoleDriver)
	_ = o.GoOnline(context.Background(), grid.Position{X: 5, Y: 5})
	waitFor(t, "push connection", func() bool { d, _ := srv.stats(); return d == 1 })
	srv.send(`{"type":"NEW_ORDER_PROPOSAL","data":{"ride_id":"r2","start_x":1,"start_y":1}}`)
	waitFor(t, "proposal", func() bool { st, _ := o.ProposalState(); return st == proposal.StatePendingDecision })

	_, err := o.AcceptProposal(context.Background())
	var notice *proposal.Notice
	if !errors.As(err, &notice) || !notice.Taken {
		t.Fatalf("accept err = %v, want taken notice", err)
	}
	if !IsRecoverable(err) {
		t.Fatal("taken notice should be recoverable")
	}
	if got := o.LastProposalOutcome(); got != proposal.OutcomeFailed {
		t.Fatalf("last outcome = %s", got)
	}
	if !o.Online() {
		t.Fatal("driver dropped offline after a failed accept")
	}
}

func TestAcceptFinishingAfterRoleSwitchIsDropped(t *testing.T) {
	srv := newNotifyServer(t)
	api := &fakeAPI{acceptEntered: make(chan struct{}, 1), acceptGate: make(chan struct{})}
	o := newTestOrchestrator(t, api, srv.wsURL(), Config{})
	ctx := context.Background()
	_ = o.SwitchRole(ride.RoleDriver)
	_ = o.GoOnline(ctx, grid.Position{X: 5, Y: 5})
	waitFor(t, "push connection", func() bool { d, _ := srv.stats(); return d == 1 })
	srv.send(`{"type":"NEW_ORDER_PROPOSAL","data":{"ride_id":"r1","start_x":1,"start_y":1}}`)
	waitFor(t, "proposal", func() bool { st, _ := o.ProposalState(); return st == proposal.StatePendingDecision })

	errc := make(chan error, 1)
	go func() {
		_, err := o.AcceptProposal(ctx)
		errc <- err
	}()
	select {
	case <-api.acceptEntered:
	case <-time.After(2 * time.Second):
		t.Fatal("accept never reached the API")
	}
	if err := o.SwitchRole(ride.RolePassenger); err != nil {
		t.Fatal(err)
	}
	close(api.acceptGate)

	err := <-errc
	if !errors.Is(err, proposal.ErrReset) || !IsRecoverable(err) {
		t.Fatalf("accept err = %v, want recoverable ErrReset", err)
	}
	if r, ok := o.Ride(); ok {
		t.Fatalf("driver ride leaked into passenger role: %+v", r)
	}
	if _, err := o.OrderRide(ctx, grid.Position{X: 1, Y: 1}, grid.Position{X: 2, Y: 2}); err != nil {
		t.Fatalf("order after driver teardown: %v", err)
	}
}

func TestGoOfflineStopsHeartbeatAndClosesPushOnce(t *testing.T) {
	srv := newNotifyServer(t)
	api := &fakeAPI{}
	o := newTestOrchestrator(t, api, srv.wsURL(), Config{HeartbeatInterval: 5 * time.Millisecond})
	_ = o.SwitchRole(ride.RoleDriver)
	if err := o.GoOnline(context.Background(), grid.Position{X: 20, Y: 80}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "several heartbeats", func() bool { return len(api.presenceCalls()) >= 3 })

	o.GoOffline()
	o.GoOffline()
	after := len(api.presenceCalls())
	time.Sleep(30 * time.Millisecond)
	if got := len(api.presenceCalls()); got != after {
		t.Fatalf("heartbeat calls after offline: %d -> %d", after, got)
	}
	waitFor(t, "clean close", func() bool { _, c := srv.stats(); return c == 1 })
	if _, closes := srv.stats(); closes != 1 {
		t.Fatalf("closes = %d, want 1", closes)
	}
	if o.PushConnected() || o.Online() {
		t.Fatal("driver still connected after GoOffline")
	}
	if _, err := o.AcceptProposal(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("accept while offline = %v", err)
	}
}

func TestPassengerRideSyncsUntilCompleted(t *testing.T) {
	srv := newNotifyServer(t)
	api := &fakeAPI{}
	o := newTestOrchestrator(t, api, srv.wsURL(), Config{})
	_ = o.SwitchRole(ride.RolePassenger)

	var mu sync.Mutex
	var seen []models.RideStatus
	o.OnRideChange(func(r models.Ride) {
		mu.Lock()
		seen = append(seen, r.Status)
		mu.Unlock()
	})

	r, err := o.OrderRide(context.Background(), grid.Position{X: 0, Y: 0}, grid.Position{X: 99, Y: 99})
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.StatusPending {
		t.Fatalf("ordered ride status = %s", r.Status)
	}
	if _, err := o.OrderRide(context.Background(), grid.Position{}, grid.Position{X: 1}); !errors.Is(err, ride.ErrActiveRide) {
		t.Fatalf("second order = %v, want ErrActiveRide", err)
	}

	waitFor(t, "push connection", func() bool { d, _ := srv.stats(); return d == 1 })
	srv.send(`{"type":"RIDE_STATUS_UPDATE","data":{"ride_id":"p1","status":"driver_assigned"}}`)
	waitFor(t, "push status", func() bool { cur, _ := o.Ride(); return cur.Status == models.StatusDriverAssigned })

	api.setHistory(models.Ride{ID: "p1", Status: models.StatusCompleted})
	waitFor(t, "polled completion", func() bool { cur, _ := o.Ride(); return cur.Status == models.StatusCompleted })
	waitFor(t, "sync teardown", func() bool { return !o.PushConnected() })

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seen); i++ {
		if seen[i].Rank() < seen[i-1].Rank() {
			t.Fatalf("status regressed: %v", seen)
		}
	}
}

func TestSwitchRoleTearsDownDriver(t *testing.T) {
	srv := newNotifyServer(t)
	api := &fakeAPI{}
	o := newTestOrchestrator(t, api, srv.wsURL(), Config{HeartbeatInterval: 5 * time.Millisecond})
	_ = o.SwitchRole(ride.RoleDriver)
	_ = o.GoOnline(context.Background(), grid.Position{X: 9, Y: 9})
	waitFor(t, "push connection", func() bool { d, _ := srv.stats(); return d == 1 })

	if err := o.SwitchRole(ride.RolePassenger); err != nil {
		t.Fatal(err)
	}
	if o.Online() || o.PushConnected() {
		t.Fatal("driver resources survived role switch")
	}
	after := len(api.presenceCalls())
	time.Sleep(30 * time.Millisecond)
	if got := len(api.presenceCalls()); got != after {
		t.Fatalf("heartbeat kept running after role switch: %d -> %d", after, got)
	}
	if err := o.GoOnline(context.Background(), grid.Position{}); !errors.Is(err, ErrWrongRole) {
		t.Fatalf("GoOnline as passenger = %v", err)
	}
}

func TestGoOnlineWithoutCredential(t *testing.T) {
	api := &fakeAPI{}
	o := New(api, session.New(session.Credentials{}), Config{WSBaseURL: "ws://127.0.0.1:1"}, nil)
	defer o.Close()
	_ = o.SwitchRole(ride.RoleDriver)
	if err := o.GoOnline(context.Background(), grid.Position{}); !errors.Is(err, session.ErrNotActivatable) {
		t.Fatalf("GoOnline without token = %v", err)
	}
	if len(api.presenceCalls()) != 0 {
		t.Fatal("heartbeat ran without a credential")
	}
}

func TestClosedOrchestratorRejectsWork(t *testing.T) {
	o := New(&fakeAPI{}, session.New(session.Credentials{Token: "t"}), Config{}, nil)
	o.Close()
	o.Close()
	if err := o.SwitchRole(ride.RoleDriver); !errors.Is(err, ErrClosed) {
		t.Fatalf("SwitchRole after Close = %v", err)
	}
}

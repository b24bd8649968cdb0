package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/taxigrid/internal/events"
	"github.com/example/taxigrid/internal/fleet"
	"github.com/example/taxigrid/internal/grid"
	"github.com/example/taxigrid/internal/models"
	"github.com/example/taxigrid/internal/observability"
	"github.com/example/taxigrid/internal/ride"
	"github.com/example/taxigrid/internal/storage"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Email == "" || len(req.Password) < 6 {
		writeDetail(w, http.StatusUnprocessableEntity, "email and a password of at least 6 characters are required")
		return
	}
	uid, err := s.users.Register(req.Email, req.Password)
	if errors.Is(err, ErrEmailTaken) {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeToken(w, http.StatusCreated, uid)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decode(w, r, &req) {
		return
	}
	uid, err := s.users.Authenticate(req.Email, req.Password)
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, err.Error())
		return
	}
	s.writeToken(w, http.StatusOK, uid)
}

func (s *Server) writeToken(w http.ResponseWriter, status int, uid string) {
	tok, err := s.auth.Issue(uid)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, status, tokenResponse{AccessToken: tok, TokenType: "bearer"})
}

type createRideRequest struct {
	StartX *int `json:"start_x"`
	StartY *int `json:"start_y"`
	EndX   *int `json:"end_x"`
	EndY   *int `json:"end_y"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req createRideRequest
	if !decode(w, r, &req) {
		return
	}
	if req.StartX == nil || req.StartY == nil {
		writeDetail(w, http.StatusUnprocessableEntity, "start_x and start_y are required")
		return
	}
	pickup := grid.Position{X: *req.StartX, Y: *req.StartY}
	if !pickup.Valid() {
		writeDetail(w, http.StatusUnprocessableEntity, fmt.Sprintf("pickup must lie in [0, %d]", grid.GridSize-1))
		return
	}
	nr := &models.Ride{PassengerID: userIDFromContext(r.Context()), Pickup: pickup, Status: models.StatusPending}
	if req.EndX != nil && req.EndY != nil {
		dest := grid.Position{X: *req.EndX, Y: *req.EndY}
		if !dest.Valid() {
			writeDetail(w, http.StatusUnprocessableEntity, fmt.Sprintf("destination must lie in [0, %d]", grid.GridSize-1))
			return
		}
		price := s.tariff.Quote(pickup, dest).Price
		nr.Destination, nr.Price = &dest, &price
	}
	if err := s.rides.CreateRide(r.Context(), nr); err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	observability.RidesCreated.Inc()
	s.publish(r.Context(), events.OrderCreated, *nr)
	s.log(r).Info("ride created", "ride_id", nr.ID, "passenger_id", nr.PassengerID, "x", pickup.X, "y", pickup.Y)

	s.wg.Add(1)
	go func(created models.Ride) {
		defer s.wg.Done()
		s.matcher.Run(s.ctx, created)
	}(*nr)

	writeJSON(w, http.StatusOK, nr)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["ride_id"]
	uid := userIDFromContext(r.Context())
	updated, err := s.rides.AssignDriver(r.Context(), id, uid)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeDetail(w, http.StatusNotFound, "ride not found")
		return
	case errors.Is(err, storage.ErrNotPending):
		writeDetail(w, http.StatusConflict, fmt.Sprintf("ride cannot be accepted, current status is %q", updated.Status))
		return
	case err != nil:
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log(r).Info("ride accepted", "ride_id", id, "driver_id", uid)
	s.publish(r.Context(), events.DriverAssigned, updated)
	s.notifyPassenger(updated)
	writeJSON(w, http.StatusOK, updated)
}

type statusRequest struct {
	Status models.RideStatus `json:"status"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Status.Known() {
		writeDetail(w, http.StatusUnprocessableEntity, fmt.Sprintf("unknown status %q", req.Status))
		return
	}
	id := mux.Vars(r)["ride_id"]
	uid := userIDFromContext(r.Context())
	cur, err := s.rides.GetRide(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "ride not found")
		return
	}
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}

	var role ride.Role
	switch uid {
	case cur.DriverID:
		role = ride.RoleDriver
	case cur.PassengerID:
		role = ride.RolePassenger
	default:
		writeDetail(w, http.StatusForbidden, "not a participant of this ride")
		return
	}
	if err := allowed(cur.Status, req.Status, role); err != nil {
		writeDetail(w, http.StatusConflict, err.Error())
		return
	}

	updated, err := s.rides.UpdateStatus(r.Context(), id, cur.Status, req.Status)
	if errors.Is(err, storage.ErrStatusChanged) {
		writeDetail(w, http.StatusConflict, fmt.Sprintf("ride moved to %s while updating", updated.Status))
		return
	}
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	kind := events.RideStatusChanged
	if updated.Status == models.StatusCompleted {
		kind = events.RideCompleted
	}
	s.log(r).Info("ride status updated", "ride_id", id, "status", updated.Status, "by", role)
	s.publish(r.Context(), kind, updated)
	s.notifyPassenger(updated)
	writeJSON(w, http.StatusOK, updated)
}

// allowed applies the lifecycle table; passengers may additionally cancel
// a ride nobody has accepted yet.
func allowed(from, to models.RideStatus, role ride.Role) error {
	if to == models.StatusCancelled {
		if role == ride.RolePassenger && from == models.StatusPending {
			return nil
		}
		return fmt.Errorf("%w: only a pending ride can be cancelled by its passenger", ride.ErrIllegalTransition)
	}
	return ride.CanAdvance(from, to, role)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	rides, err := s.rides.ListByUser(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rides == nil {
		rides = []models.Ride{}
	}
	writeJSON(w, http.StatusOK, rides)
}

type presenceRequest struct {
	Status   string `json:"status"`
	Location *struct {
		X *int `json:"x"`
		Y *int `json:"y"`
	} `json:"location"`
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	var req presenceRequest
	if !decode(w, r, &req) {
		return
	}
	switch req.Status {
	case fleet.StatusOnline, fleet.StatusOffline, fleet.StatusBusy:
	default:
		writeDetail(w, http.StatusUnprocessableEntity, fmt.Sprintf("unknown presence status %q", req.Status))
		return
	}
	if req.Location == nil || req.Location.X == nil || req.Location.Y == nil {
		writeDetail(w, http.StatusUnprocessableEntity, "location.x and location.y are required")
		return
	}
	pos := grid.Position{X: *req.Location.X, Y: *req.Location.Y}
	if !pos.Valid() {
		writeDetail(w, http.StatusUnprocessableEntity, fmt.Sprintf("location must lie in [0, %d]", grid.GridSize-1))
		return
	}
	uid := userIDFromContext(r.Context())
	if err := s.fleet.Update(r.Context(), uid, req.Status, pos); err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log(r).Debug("presence updated", "driver_id", uid, "status", req.Status, "x", pos.X, "y", pos.Y)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) notifyPassenger(r models.Ride) {
	if err := s.hub.Notify(r.PassengerID, models.RideStatusUpdate, r); err != nil && !errors.Is(err, ErrNoSession) {
		s.logger.Warn("status push failed", "ride_id", r.ID, "error", err)
	}
}

// publish is best effort; a broker outage must not fail the API call.
func (s *Server) publish(ctx context.Context, kind string, r models.Ride) {
	if err := s.events.Publish(ctx, events.ForRide(kind, r, time.Now())); err != nil {
		s.logger.Warn("event publish failed", "type", kind, "ride_id", r.ID, "error", err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "malformed body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

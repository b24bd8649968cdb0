package rideapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/taxigrid/internal/grid"
	"github.com/example/taxigrid/internal/models"
)

// TokenSource supplies the bearer credential for each request.
type TokenSource interface {
	Token() string
}

// PresenceOnline is the status the heartbeat reports while on duty.
const PresenceOnline = "online"

// Client talks to the ride/dispatch backend over HTTP.
type Client struct {
	BaseURL string
	Tokens  TokenSource
	Client  *http.Client
}

func NewClient(baseURL string, tokens TokenSource, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Tokens:  tokens,
		Client:  &http.Client{Timeout: timeout},
	}
}

type createRideRequest struct {
	StartX int `json:"start_x"`
	StartY int `json:"start_y"`
	EndX   int `json:"end_x"`
	EndY   int `json:"end_y"`
}

func (c *Client) CreateRide(ctx context.Context, pickup, destination grid.Position) (models.Ride, error) {
	if !pickup.Valid() || !destination.Valid() {
		return models.Ride{}, &APIError{Op: "create ride", Kind: ErrValidation, Detail: fmt.Sprintf("positions out of grid: %+v -> %+v", pickup, destination)}
	}
	body := createRideRequest{StartX: pickup.X, StartY: pickup.Y, EndX: destination.X, EndY: destination.Y}
	var out models.Ride
	err := c.do(ctx, "create ride", http.MethodPost, "/api/v1/rides", body, &out)
	return out, err
}

func (c *Client) AcceptRide(ctx context.Context, rideID string) (models.Ride, error) {
	var out models.Ride
	err := c.do(ctx, "accept ride", http.MethodPost, "/api/v1/rides/"+url.PathEscape(rideID)+"/accept", nil, &out)
	return out, err
}

func (c *Client) UpdateRideStatus(ctx context.Context, rideID string, status models.RideStatus) (models.Ride, error) {
	if !status.Known() {
		return models.Ride{}, &APIError{Op: "update ride status", Kind: ErrValidation, Detail: "unknown status " + string(status)}
	}
	var out models.Ride
	body := map[string]string{"status": string(status)}
	err := c.do(ctx, "update ride status", http.MethodPut, "/api/v1/rides/"+url.PathEscape(rideID)+"/status", body, &out)
	return out, err
}

func (c *Client) ListRideHistory(ctx context.Context) ([]models.Ride, error) {
	var out []models.Ride
	err := c.do(ctx, "list ride history", http.MethodGet, "/api/v1/rides/history", nil, &out)
	return out, err
}

type presenceRequest struct {
	Status   string        `json:"status"`
	Location grid.Position `json:"location"`
}

func (c *Client) UpdatePresence(ctx context.Context, status string, pos grid.Position) error {
	return c.do(ctx, "update presence", http.MethodPut, "/api/v1/drivers/me/presence", presenceRequest{Status: status, Location: pos.Clamp()}, nil)
}

// Login exchanges email and password for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	return c.authenticate(ctx, "login", "/api/v1/auth/login", email, password)
}

// Register creates an account and returns its first access token.
func (c *Client) Register(ctx context.Context, email, password string) (string, error) {
	return c.authenticate(ctx, "register", "/api/v1/auth/register", email, password)
}

func (c *Client) authenticate(ctx context.Context, op, path, email, password string) (string, error) {
	var out struct {
		AccessToken string `json:"access_token"`
	}
	err := c.do(ctx, op, http.MethodPost, path, map[string]string{"email": email, "password": password}, &out)
	return out.AccessToken, err
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &APIError{Op: op, Kind: ErrValidation, Err: err}
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return &APIError{Op: op, Kind: ErrValidation, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Tokens != nil {
		if tok := c.Tokens.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return &APIError{Op: op, Kind: ErrConnectivity, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &APIError{Op: op, Status: resp.StatusCode, Kind: kindForStatus(resp.StatusCode), Detail: readDetail(resp.Body)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{Op: op, Status: resp.StatusCode, Kind: ErrConnectivity, Detail: "malformed response", Err: err}
	}
	return nil
}

func readDetail(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	var payload struct {
		Detail any `json:"detail"`
	}
	if json.Unmarshal(b, &payload) == nil && payload.Detail != nil {
		if s, ok := payload.Detail.(string); ok {
			return s
		}
		d, _ := json.Marshal(payload.Detail)
		return string(d)
	}
	return strings.TrimSpace(string(b))
}

package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNotActivatable is returned when no bearer credential is available. No
// push connection may be attempted in that case.
var ErrNotActivatable = errors.New("session has no credential")

// Credentials is what the credential store hands to a session.
type Credentials struct {
	Token  string `json:"access_token"`
	UserID string `json:"user_id"`
}

// Store is the credential store collaborator.
type Store interface {
	Load() (Credentials, error)
}

// Context is the explicit session state passed to component constructors
// in place of ambient credential lookups. It is live from Open until Close.
type Context struct {
	mu     sync.RWMutex
	creds  Credentials
	closed bool
}

// Open builds a session from the store. A missing token is not an error
// here; Activatable reports it.
func Open(store Store) (*Context, error) {
	creds, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	creds.Token = strings.TrimSpace(creds.Token)
	if creds.UserID == "" && creds.Token != "" {
		creds.UserID = subject(creds.Token)
	}
	return &Context{creds: creds}, nil
}

func New(creds Credentials) *Context {
	s, _ := Open(staticStore(creds))
	return s
}

// Token implements rideapi.TokenSource. It is empty after Close.
func (s *Context) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ""
	}
	return s.creds.Token
}

func (s *Context) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.UserID
}

func (s *Context) Activatable() error {
	if s.Token() == "" {
		return ErrNotActivatable
	}
	return nil
}

// Close ends the session (logout). Components holding the context stop
// being activatable.
func (s *Context) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// subject reads the sub claim without verifying the signature; the client
// only uses it as a display/user identifier, the server verifies the token.
func subject(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	sub, _ := claims.GetSubject()
	return sub
}

type staticStore Credentials

func (s staticStore) Load() (Credentials, error) { return Credentials(s), nil }

// EnvStore reads TAXIGRID_TOKEN and TAXIGRID_USER_ID.
type EnvStore struct{}

func (EnvStore) Load() (Credentials, error) {
	return Credentials{Token: os.Getenv("TAXIGRID_TOKEN"), UserID: os.Getenv("TAXIGRID_USER_ID")}, nil
}

// FileStore reads a JSON credential file such as the one written by
// `taxigrid login`. A missing file yields empty credentials.
type FileStore struct {
	Path string
}

func (f FileStore) Load() (Credentials, error) {
	b, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Credentials{}, nil
	}
	if err != nil {
		return Credentials{}, err
	}
	var c Credentials
	if err := json.Unmarshal(b, &c); err != nil {
		return Credentials{}, fmt.Errorf("parse %s: %w", f.Path, err)
	}
	return c, nil
}

func (f FileStore) Save(c Credentials) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.Path, b, 0o600)
}

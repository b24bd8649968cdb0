package devserver

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrEmailTaken     = errors.New("email already registered")
	ErrBadCredentials = errors.New("incorrect email or password")
	ErrBadToken       = errors.New("invalid or expired token")
)

// Auth issues and verifies HS256 bearer tokens whose subject is the user id.
type Auth struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAuth(secret string, ttl time.Duration) *Auth {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Auth{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (a *Auth) Issue(userID string) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify returns the user id carried by a valid token.
func (a *Auth) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return "", fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	return claims.Subject, nil
}

// bearer extracts the token from an Authorization header.
func bearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

type user struct {
	id   string
	hash []byte
}

// Users is the in-memory account registry of the reference backend.
type Users struct {
	mu      sync.Mutex
	byEmail map[string]user
	seq     int
}

func NewUsers() *Users { return &Users{byEmail: make(map[string]user)} }

func (u *Users) Register(email, password string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return "", err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.byEmail[email]; ok {
		return "", ErrEmailTaken
	}
	u.seq++
	id := strconv.Itoa(u.seq)
	u.byEmail[email] = user{id: id, hash: hash}
	return id, nil
}

func (u *Users) Authenticate(email, password string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u.mu.Lock()
	acct, ok := u.byEmail[email]
	u.mu.Unlock()
	if !ok {
		return "", ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword(acct.hash, []byte(password)) != nil {
		return "", ErrBadCredentials
	}
	return acct.id, nil
}

// Package session establishes the authenticated context required before any
// ledger operation. Authentication is synchronous: it either yields a valid
// Session with a seeded wallet or fails outright, never a partial state.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xenolabs/creditcore/pkg/credit"
)

const (
	defaultIssuer      = "xeno-labs"
	defaultTokenTTL    = 24 * time.Hour
	defaultSeedBalance = credit.CreditAmount(1000)
	walletIDPrefix     = "wallet_"
)

// Authentication error values.
var (
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrAlreadyAuthenticated = errors.New("already authenticated")
	ErrNoSession            = errors.New("no active session")
	ErrInvalidManagerConfig = errors.New("invalid session manager config")
)

// Session is an authenticated context. Read-only after creation except for
// invalidation on logout; satisfies credit.Authorizer.
type Session struct {
	token       string
	username    string
	walletID    string
	issuedAt    time.Time
	invalidated atomic.Bool
}

// Valid reports whether the session still authorizes ledger operations.
func (session *Session) Valid() bool {
	return !session.invalidated.Load()
}

// Token returns the signed auth token.
func (session *Session) Token() string {
	return session.token
}

// Username returns the authenticated user.
func (session *Session) Username() string {
	return session.username
}

// WalletID returns the wallet bound to this session.
func (session *Session) WalletID() string {
	return session.walletID
}

// IssuedAt returns the authentication time.
func (session *Session) IssuedAt() time.Time {
	return session.issuedAt
}

func (session *Session) invalidate() {
	session.invalidated.Store(true)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIssuer overrides the JWT issuer claim.
func WithIssuer(issuer string) ManagerOption {
	return func(manager *Manager) {
		if issuer != "" {
			manager.issuer = issuer
		}
	}
}

// WithSeedBalance overrides the deterministic starting wallet balance.
func WithSeedBalance(seed credit.CreditAmount) ManagerOption {
	return func(manager *Manager) {
		if seed > 0 {
			manager.seed = seed
		}
	}
}

// WithClock overrides the wall clock, mainly for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(manager *Manager) {
		if now != nil {
			manager.nowFn = now
		}
	}
}

// WithLoginHook registers a callback invoked with each new session, e.g. to
// install the auth token on the cloud client.
func WithLoginHook(hook func(*Session)) ManagerOption {
	return func(manager *Manager) {
		if hook != nil {
			manager.loginHooks = append(manager.loginHooks, hook)
		}
	}
}

// Manager owns the session lifecycle and seeds the ledger wallet on login.
type Manager struct {
	ledger     *credit.Ledger
	signingKey []byte
	issuer     string
	seed       credit.CreditAmount
	nowFn      func() time.Time
	loginHooks []func(*Session)

	mu      sync.Mutex
	current *Session
}

// NewManager wires a session manager.
func NewManager(ledger *credit.Ledger, signingKey []byte, options ...ManagerOption) (*Manager, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidManagerConfig)
	}
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("%w: signing key is required", ErrInvalidManagerConfig)
	}
	manager := &Manager{
		ledger:     ledger,
		signingKey: signingKey,
		issuer:     defaultIssuer,
		seed:       defaultSeedBalance,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		if option != nil {
			option(manager)
		}
	}
	return manager, nil
}

// Authenticate verifies the credentials, mints a signed token, and seeds the
// wallet. A live session must be logged out first.
func (manager *Manager) Authenticate(ctx context.Context, username string, credential string) (*Session, error) {
	username = strings.TrimSpace(username)
	if username == "" || strings.TrimSpace(credential) == "" {
		return nil, fmt.Errorf("%w: username and credential are required", ErrInvalidCredentials)
	}

	manager.mu.Lock()
	defer manager.mu.Unlock()
	if manager.current != nil && manager.current.Valid() {
		return nil, ErrAlreadyAuthenticated
	}

	now := manager.nowFn()
	walletID := walletIDPrefix + username
	token, err := manager.mintToken(username, walletID, now)
	if err != nil {
		return nil, fmt.Errorf("mint token: %w", err)
	}

	session := &Session{
		token:    token,
		username: username,
		walletID: walletID,
		issuedAt: now,
	}
	if err := manager.ledger.Attach(ctx, session, walletID, manager.seed); err != nil {
		return nil, fmt.Errorf("seed wallet: %w", err)
	}
	manager.current = session
	for _, hook := range manager.loginHooks {
		hook(session)
	}
	return session, nil
}

// Logout invalidates the current session and detaches the wallet.
// Subsequent ledger calls fail with credit.ErrNotAuthenticated.
func (manager *Manager) Logout(ctx context.Context) error {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if manager.current == nil {
		return ErrNoSession
	}
	manager.current.invalidate()
	manager.current = nil
	manager.ledger.Detach(ctx)
	return nil
}

// Current returns the active session, if any.
func (manager *Manager) Current() (*Session, bool) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if manager.current == nil || !manager.current.Valid() {
		return nil, false
	}
	return manager.current, true
}

// ValidateToken parses and verifies a previously minted token, returning the
// subject claim. Used by the HTTP façade to authenticate requests.
func (manager *Manager) ValidateToken(raw string) (string, error) {
	parsed, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return manager.signingKey, nil
	}, jwt.WithIssuer(manager.issuer), jwt.WithExpirationRequired(), jwt.WithTimeFunc(manager.nowFn))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidCredentials)
	}
	return subject, nil
}

func (manager *Manager) mintToken(username string, walletID string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":       manager.issuer,
		"sub":       username,
		"wallet_id": walletID,
		"iat":       now.Unix(),
		"exp":       now.Add(defaultTokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(manager.signingKey)
}

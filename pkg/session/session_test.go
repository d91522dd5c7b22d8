package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xenolabs/creditcore/pkg/credit"
)

func mustManager(test *testing.T, options ...ManagerOption) (*Manager, *credit.Ledger) {
	test.Helper()
	ledger, err := credit.NewLedger(nil)
	if err != nil {
		test.Fatalf("new ledger: %v", err)
	}
	options = append(options, WithClock(func() time.Time {
		return time.Unix(1700000000, 0).UTC()
	}))
	manager, err := NewManager(ledger, []byte("unit-test-signing-key"), options...)
	if err != nil {
		test.Fatalf("new manager: %v", err)
	}
	return manager, ledger
}

func TestAuthenticateSeedsDeterministicWallet(test *testing.T) {
	test.Parallel()
	manager, ledger := mustManager(test)

	session, err := manager.Authenticate(context.Background(), "ada", "correct-horse")
	if err != nil {
		test.Fatalf("authenticate: %v", err)
	}
	if !session.Valid() {
		test.Fatalf("fresh session is invalid")
	}
	if session.WalletID() != "wallet_ada" {
		test.Fatalf("unexpected wallet id %q", session.WalletID())
	}
	if session.Token() == "" {
		test.Fatalf("session missing auth token")
	}

	state, err := ledger.Balance()
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if state.AvailableCredits != 1000 || state.UsedCredits != 0 {
		test.Fatalf("unexpected seed balance: %+v", state)
	}
}

func TestAuthenticateRejectsEmptyCredentials(test *testing.T) {
	test.Parallel()
	manager, _ := mustManager(test)

	if _, err := manager.Authenticate(context.Background(), "", "secret"); !errors.Is(err, ErrInvalidCredentials) {
		test.Fatalf("empty username: %v", err)
	}
	if _, err := manager.Authenticate(context.Background(), "ada", "  "); !errors.Is(err, ErrInvalidCredentials) {
		test.Fatalf("blank credential: %v", err)
	}
}

func TestAuthenticateRejectsSecondLogin(test *testing.T) {
	test.Parallel()
	manager, _ := mustManager(test)

	if _, err := manager.Authenticate(context.Background(), "ada", "secret"); err != nil {
		test.Fatalf("authenticate: %v", err)
	}
	if _, err := manager.Authenticate(context.Background(), "grace", "secret"); !errors.Is(err, ErrAlreadyAuthenticated) {
		test.Fatalf("expected ErrAlreadyAuthenticated, got %v", err)
	}
}

func TestLogoutInvalidatesSessionAndLedger(test *testing.T) {
	test.Parallel()
	manager, ledger := mustManager(test)

	session, err := manager.Authenticate(context.Background(), "ada", "secret")
	if err != nil {
		test.Fatalf("authenticate: %v", err)
	}
	if err := manager.Logout(context.Background()); err != nil {
		test.Fatalf("logout: %v", err)
	}
	if session.Valid() {
		test.Fatalf("session still valid after logout")
	}
	if _, err := ledger.Balance(); !errors.Is(err, credit.ErrNotAuthenticated) {
		test.Fatalf("ledger usable after logout: %v", err)
	}
	if _, active := manager.Current(); active {
		test.Fatalf("current session reported after logout")
	}
}

func TestLogoutWithoutSessionFails(test *testing.T) {
	test.Parallel()
	manager, _ := mustManager(test)
	if err := manager.Logout(context.Background()); !errors.Is(err, ErrNoSession) {
		test.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestValidateTokenRoundTrip(test *testing.T) {
	test.Parallel()
	manager, _ := mustManager(test)

	session, err := manager.Authenticate(context.Background(), "ada", "secret")
	if err != nil {
		test.Fatalf("authenticate: %v", err)
	}
	subject, err := manager.ValidateToken(session.Token())
	if err != nil {
		test.Fatalf("validate token: %v", err)
	}
	if subject != "ada" {
		test.Fatalf("unexpected subject %q", subject)
	}
}

func TestValidateTokenRejectsForgedToken(test *testing.T) {
	test.Parallel()
	manager, _ := mustManager(test)
	if _, err := manager.ValidateToken("not-a-jwt"); !errors.Is(err, ErrInvalidCredentials) {
		test.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginHookReceivesSession(test *testing.T) {
	test.Parallel()
	var hookToken string
	manager, _ := mustManager(test, WithLoginHook(func(session *Session) {
		hookToken = session.Token()
	}))

	session, err := manager.Authenticate(context.Background(), "ada", "secret")
	if err != nil {
		test.Fatalf("authenticate: %v", err)
	}
	if hookToken == "" || hookToken != session.Token() {
		test.Fatalf("login hook did not receive the session token")
	}
}

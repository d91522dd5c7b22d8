package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xenolabs/creditcore/pkg/backend"
	"github.com/xenolabs/creditcore/pkg/credit"
)

type testSession struct {
	invalidated atomic.Bool
}

func (session *testSession) Valid() bool {
	return !session.invalidated.Load()
}

// scriptedBackend returns a canned result, optionally blocking until
// released so tests control completion order without timers.
type scriptedBackend struct {
	name     string
	calls    atomic.Int32
	block    chan struct{}
	execDone chan struct{}
	result   backend.Result
	err      error
}

func (scripted *scriptedBackend) Name() string {
	return scripted.name
}

func (scripted *scriptedBackend) Execute(ctx context.Context, _ backend.Request) (backend.Result, error) {
	scripted.calls.Add(1)
	if scripted.execDone != nil {
		defer close(scripted.execDone)
	}
	if scripted.block != nil {
		select {
		case <-scripted.block:
		case <-ctx.Done():
			return backend.Result{}, ctx.Err()
		}
	}
	if scripted.err != nil {
		return backend.Result{}, scripted.err
	}
	return scripted.result, nil
}

func mustLedgerWithSession(test *testing.T, seed credit.CreditAmount) *credit.Ledger {
	test.Helper()
	ledger, err := credit.NewLedger(nil)
	if err != nil {
		test.Fatalf("new ledger: %v", err)
	}
	if err := ledger.Attach(context.Background(), &testSession{}, "wallet_tester", seed); err != nil {
		test.Fatalf("attach: %v", err)
	}
	return ledger
}

func mustDispatcher(test *testing.T, ledger *credit.Ledger, adapter backend.Backend, options ...DispatcherOption) *Dispatcher {
	test.Helper()
	dispatcher, err := NewDispatcher(ledger, map[backend.Choice]backend.Backend{
		backend.ChoiceXenoCloud:   adapter,
		backend.ChoiceOllamaLocal: adapter,
	}, options...)
	if err != nil {
		test.Fatalf("new dispatcher: %v", err)
	}
	return dispatcher
}

func mustWait(test *testing.T, operation *Operation) Result {
	test.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := operation.Wait(ctx)
	if err != nil {
		test.Fatalf("wait: %v", err)
	}
	return result
}

func TestDispatchMeteredSuccessConsumesCredits(test *testing.T) {
	test.Parallel()
	ledger := mustLedgerWithSession(test, 1000)
	adapter := &scriptedBackend{
		name:   "xeno_cloud",
		result: backend.Result{Payload: "a generated image", CreditsUsed: backend.DeclareCredits(5), RequestID: "req-1"},
	}
	dispatcher := mustDispatcher(test, ledger, adapter)

	operation, err := dispatcher.Dispatch(context.Background(), Request{
		Kind:    credit.KindImageGeneration,
		Backend: backend.ChoiceXenoCloud,
		Payload: "a prompt",
	})
	if err != nil {
		test.Fatalf("dispatch: %v", err)
	}

	result := mustWait(test, operation)
	if !result.Success || result.Payload != "a generated image" || result.CreditsUsed != 5 {
		test.Fatalf("unexpected result: %+v", result)
	}
	if result.RequestID != "req-1" {
		test.Fatalf("adapter request id dropped: %+v", result)
	}

	state, err := ledger.Balance()
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if state.AvailableCredits != 995 || state.UsedCredits != 5 {
		test.Fatalf("unexpected post-dispatch state: %+v", state)
	}
	if held := ledger.OutstandingHolds(); held != 0 {
		test.Fatalf("reservation outlived its operation: %d held", held)
	}
}

func TestDispatchFreeBackendRefundsHold(test *testing.T) {
	test.Parallel()
	ledger := mustLedgerWithSession(test, 1000)
	adapter := &scriptedBackend{
		name:   "ollama_local",
		result: backend.Result{Payload: "local answer", CreditsUsed: backend.DeclareCredits(0)},
	}
	dispatcher := mustDispatcher(test, ledger, adapter)

	operation, err := dispatcher.Dispatch(context.Background(), Request{
		Kind:    credit.KindImageGeneration,
		Backend: backend.ChoiceOllamaLocal,
		Payload: "a prompt",
	})
	if err != nil {
		test.Fatalf("dispatch: %v", err)
	}

	result := mustWait(test, operation)
	if !result.Success || result.CreditsUsed != 0 {
		test.Fatalf("unexpected result: %+v", result)
	}
	if result.RequestID != operation.ID() {
		test.Fatalf("missing adapter request id should fall back to the operation id")
	}

	state, err := ledger.Balance()
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if state.AvailableCredits != 1000 || state.UsedCredits != 0 {
		test.Fatalf("free backend must net to zero deduction: %+v", state)
	}
}

func TestDispatchUndeclaredUsageBillsReservedCost(test *testing.T) {
	test.Parallel()
	ledger := mustLedgerWithSession(test, 1000)
	adapter := &scriptedBackend{
		name:   "xeno_cloud",
		result: backend.Result{Payload: "a processed video", RequestID: "req-3"},
	}
	dispatcher := mustDispatcher(test, ledger, adapter)

	operation, err := dispatcher.Dispatch(context.Background(), Request{
		Kind:    credit.KindVideoProcessing,
		Backend: backend.ChoiceXenoCloud,
		Payload: "a prompt",
	})
	if err != nil {
		test.Fatalf("dispatch: %v", err)
	}

	result := mustWait(test, operation)
	if !result.Success || result.CreditsUsed != 10 {
		test.Fatalf("unexpected result: %+v", result)
	}

	state, err := ledger.Balance()
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if state.AvailableCredits != 990 || state.UsedCredits != 10 {
		test.Fatalf("undeclared usage must bill the full hold: %+v", state)
	}
	if held := ledger.OutstandingHolds(); held != 0 {
		test.Fatalf("reservation outlived its operation: %d held", held)
	}
}

func TestDispatchNegativeDeclaredUsageBillsReservedCost(test *testing.T) {
	test.Parallel()
	ledger := mustLedgerWithSession(test, 1000)
	adapter := &scriptedBackend{
		name:   "xeno_cloud",
		result: backend.Result{Payload: "a generated image", CreditsUsed: backend.DeclareCredits(-3)},
	}
	dispatcher := mustDispatcher(test, ledger, adapter)

	operation, err := dispatcher.Dispatch(context.Background(), Request{
		Kind:    credit.KindImageGeneration,
		Backend: backend.ChoiceXenoCloud,
		Payload: "a prompt",
	})
	if err != nil {
		test.Fatalf("dispatch: %v", err)
	}

	result := mustWait(test, operation)
	if !result.Success || result.CreditsUsed != 5 {
		test.Fatalf("unexpected result: %+v", result)
	}

	state, err := ledger.Balance()
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if state.AvailableCredits != 995 || state.UsedCredits != 5 {
		test.Fatalf("negative declaration must bill the full hold: %+v", state)
	}
	if held := ledger.OutstandingHolds(); held != 0 {
		test.Fatalf("reservation outlived its operation: %d held", held)
	}
}

func TestDispatchUnavailableBackendReleasesReservation(test *testing.T) {
	test.Parallel()
	ledger := mustLedgerWithSession(test, 1000)
	adapter := &scriptedBackend{name: "ollama_local", err: backend.ErrUnavailable}
	dispatcher := mustDispatcher(test, ledger, adapter)

	operation, err := dispatcher.Dispatch(context.Background(), Request{
		Kind:    credit.KindCodeGeneration,
		Backend: backend.ChoiceOllamaLocal,
		Payload: "a prompt",
	})
	if err != nil {
		test.Fatalf("dispatch: %v", err)
	}

	result := mustWait(test, operation)
	if result.Success || result.ErrorKind != ErrorBackendUnavailable {
		test.Fatalf("unexpected result: %+v", result)
	}

	state, err := ledger.Balance()
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if state.AvailableCredits != 1000 || state.UsedCredits != 0 {
		test.Fatalf("unavailable backend deducted credits: %+v", state)
	}
	if held := ledger.OutstandingHolds(); held != 0 {
		test.Fatalf("reservation not released: %d held", held)
	}
}

func TestDispatchInsufficientCreditsIsSynchronous(test *testing.T) {
	test.Parallel()
	ledger := mustLedgerWithSession(test, 3)
	adapter := &scriptedBackend{name: "xeno_cloud"}
	dispatcher := mustDispatcher(test, ledger, adapter)

	_, err := dispatcher.Dispatch(context.Background(), Request{
		Kind:    credit.KindImageGeneration,
		Backend: backend.ChoiceXenoCloud,
		Payload: "a prompt",
	})
	if !errors.Is(err, credit.ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if adapter.calls.Load() != 0 {
		test.Fatalf("backend called despite failed reservation")
	}
}

func TestDispatchRequiresAuthentication(test *testing.T) {
	test.Parallel()
	ledger, err := credit.NewLedger(nil)
	if err != nil {
		test.Fatalf("new ledger: %v", err)
	}
	dispatcher := mustDispatcher(test, ledger, &scriptedBackend{name: "xeno_cloud"})

	_, err = dispatcher.Dispatch(context.Background(), Request{
		Kind:    credit.KindImageGeneration,
		Backend: backend.ChoiceXenoCloud,
	})
	if !errors.Is(err, credit.ErrNotAuthenticated) {
		test.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestDispatchUnknownBackendFails(test *testing.T) {
	test.Parallel()
	ledger := mustLedgerWithSession(test, 1000)
	dispatcher := mustDispatcher(test, ledger, &scriptedBackend{name: "xeno_cloud"})

	_, err := dispatcher.Dispatch(context.Background(), Request{
		Kind:    credit.KindImageGeneration,
		Backend: backend.Choice("mainframe"),
	})
	if !errors.Is(err, ErrUnknownBackend) {
		test.Fatalf("expected ErrUnknownBackend, got %v", err)
	}
	state, balanceErr := ledger.Balance()
	if balanceErr != nil {
		test.Fatalf("balance: %v", balanceErr)
	}
	if state.AvailableCredits != 1000 {
		test.Fatalf("unknown backend mutated the balance: %+v", state)
	}
}

func TestDispatchInvalidKindFails(test *testing.T) {
	test.Parallel()
	ledger := mustLedgerWithSession(test, 1000)
	dispatcher := mustDispatcher(test, ledger, &scriptedBackend{name: "xeno_cloud"})

	_, err := dispatcher.Dispatch(context.Background(), Request{
		Kind:    credit.OperationKind("  "),
		Backend: backend.ChoiceXenoCloud,
	})
	if !errors.Is(err, credit.ErrInvalidOperationKind) {
		test.Fatalf("expected ErrInvalidOperationKind, got %v", err)
	}
}

func TestCancelRefundsExactlyOnce(test *testing.T) {
	test.Parallel()
	ledger := mustLedgerWithSession(test, 1000)
	adapter := &scriptedBackend{
		name:     "xeno_cloud",
		block:    make(chan struct{}),
		execDone: make(chan struct{}),
		result:   backend.Result{Payload: "late answer", CreditsUsed: backend.DeclareCredits(5)},
	}
	dispatcher := mustDispatcher(test, ledger, adapter)

	operation, err := dispatcher.Dispatch(context.Background(), Request{
		Kind:    credit.KindImageGeneration,
		Backend: backend.ChoiceXenoCloud,
		Payload: "a prompt",
	})
	if err != nil {
		test.Fatalf("dispatch: %v", err)
	}

	operation.Cancel()
	result := mustWait(test, operation)
	if result.Success || result.ErrorKind != ErrorCancelled {
		test.Fatalf("unexpected cancel result: %+v", result)
	}

	// Release the adapter and let its late completion land; it must be a no-op.
	close(adapter.block)
	<-adapter.execDone

	state, err := ledger.Balance()
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if state.AvailableCredits != 1000 || state.UsedCredits != 0 {
		test.Fatalf("cancel did not refund exactly once: %+v", state)
	}
	if held := ledger.OutstandingHolds(); held != 0 {
		test.Fatalf("cancelled reservation still held: %d", held)
	}
}

func TestDispatchTimeoutRefunds(test *testing.T) {
	test.Parallel()
	ledger := mustLedgerWithSession(test, 1000)
	adapter := &scriptedBackend{
		name:  "xeno_cloud",
		block: make(chan struct{}),
	}
	dispatcher := mustDispatcher(test, ledger, adapter, WithOperationTimeout(20*time.Millisecond))

	operation, err := dispatcher.Dispatch(context.Background(), Request{
		Kind:    credit.KindImageGeneration,
		Backend: backend.ChoiceXenoCloud,
		Payload: "a prompt",
	})
	if err != nil {
		test.Fatalf("dispatch: %v", err)
	}

	result := mustWait(test, operation)
	if result.Success || result.ErrorKind != ErrorBackendTimeout {
		test.Fatalf("unexpected timeout result: %+v", result)
	}

	state, err := ledger.Balance()
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if state.AvailableCredits != 1000 || state.UsedCredits != 0 {
		test.Fatalf("timeout did not refund: %+v", state)
	}
}

func TestResultIsDeliveredExactlyOnce(test *testing.T) {
	test.Parallel()
	ledger := mustLedgerWithSession(test, 1000)
	adapter := &scriptedBackend{
		name:   "xeno_cloud",
		result: backend.Result{Payload: "answer", CreditsUsed: backend.DeclareCredits(5), RequestID: "req-7"},
	}
	dispatcher := mustDispatcher(test, ledger, adapter)

	operation, err := dispatcher.Dispatch(context.Background(), Request{
		Kind:    credit.KindImageGeneration,
		Backend: backend.ChoiceXenoCloud,
	})
	if err != nil {
		test.Fatalf("dispatch: %v", err)
	}

	first := mustWait(test, operation)
	second := mustWait(test, operation)
	if first != second {
		test.Fatalf("result not stable across waits: %+v vs %+v", first, second)
	}
	if result, delivered := operation.Result(); !delivered || result != first {
		test.Fatalf("Result() disagrees with Wait(): %+v", result)
	}
}

func TestCostOverrideBillsCallerAmount(test *testing.T) {
	test.Parallel()
	ledger := mustLedgerWithSession(test, 1000)
	adapter := &scriptedBackend{
		name:   "xeno_cloud",
		result: backend.Result{Payload: "answer", CreditsUsed: backend.DeclareCredits(8)},
	}
	dispatcher := mustDispatcher(test, ledger, adapter)

	operation, err := dispatcher.Dispatch(context.Background(), Request{
		Kind:    credit.KindImageGeneration,
		Backend: backend.ChoiceXenoCloud,
		Cost:    8,
	})
	if err != nil {
		test.Fatalf("dispatch: %v", err)
	}
	result := mustWait(test, operation)
	if !result.Success {
		test.Fatalf("unexpected result: %+v", result)
	}

	state, err := ledger.Balance()
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if state.AvailableCredits != 992 || state.UsedCredits != 8 {
		test.Fatalf("override cost not billed: %+v", state)
	}
}

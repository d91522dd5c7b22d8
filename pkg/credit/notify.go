package credit

// Subscriber receives ledger notifications. Delivery is one-directional and
// at-most-once per event; subscribers must not call back into the Ledger from
// the callback goroutine that holds their own locks against it.
type Subscriber interface {
	OnBalanceChanged(state WalletState)
	OnInsufficientCredits(required CreditAmount, available CreditAmount)
	OnPurchaseCompleted(success bool, newBalance CreditAmount)
}

// SubscriberFuncs adapts plain functions to the Subscriber interface.
// Nil fields are skipped.
type SubscriberFuncs struct {
	BalanceChanged      func(state WalletState)
	InsufficientCredits func(required CreditAmount, available CreditAmount)
	PurchaseCompleted   func(success bool, newBalance CreditAmount)
}

// OnBalanceChanged forwards to BalanceChanged when set.
func (funcs SubscriberFuncs) OnBalanceChanged(state WalletState) {
	if funcs.BalanceChanged != nil {
		funcs.BalanceChanged(state)
	}
}

// OnInsufficientCredits forwards to InsufficientCredits when set.
func (funcs SubscriberFuncs) OnInsufficientCredits(required CreditAmount, available CreditAmount) {
	if funcs.InsufficientCredits != nil {
		funcs.InsufficientCredits(required, available)
	}
}

// OnPurchaseCompleted forwards to PurchaseCompleted when set.
func (funcs SubscriberFuncs) OnPurchaseCompleted(success bool, newBalance CreditAmount) {
	if funcs.PurchaseCompleted != nil {
		funcs.PurchaseCompleted(success, newBalance)
	}
}

package credit

const (
	operationAttach   = "attach"
	operationDetach   = "detach"
	operationReserve  = "reserve"
	operationSettle   = "settle"
	operationPurchase = "purchase"
	operationResync   = "resync"

	operationStatusOK    = "ok"
	operationStatusError = "error"
	operationStatusWarn  = "warn"
)

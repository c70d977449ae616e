package router

// ErrorKind tags a workflow failure so the transport layer can map it to a
// status code without string-matching errors. Errors never cross component
// boundaries as panics.
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindValidation  ErrorKind = "validation"
	KindNotFound    ErrorKind = "not_found"
	KindCredentials ErrorKind = "credentials"
	KindRiskLimit   ErrorKind = "risk_limit"
	KindSizing      ErrorKind = "sizing"
	KindExchange    ErrorKind = "exchange"
	// KindPersistence flags the dangerous case: the exchange accepted an
	// order but the ledger write failed, so venue and ledger diverged.
	KindPersistence ErrorKind = "persistence"
	KindReconcile   ErrorKind = "reconcile_mismatch"
)

// Result is the tagged outcome of one signal, returned to the transport
// layer instead of raising errors across the orchestrator boundary.
type Result struct {
	Success bool      `json:"success"`
	Err     ErrorKind `json:"error,omitempty"`
	Detail  string    `json:"detail,omitempty"`

	OrderID          string   `json:"orderId,omitempty"`
	Status           string   `json:"status,omitempty"`
	AdjustedQuantity float64  `json:"adjustedQuantity,omitempty"`
	RealizedPnl      *float64 `json:"realizedPnl,omitempty"`
	CloseReason      string   `json:"closeReason,omitempty"`
	IsPartialClose   bool     `json:"isPartialClose,omitempty"`
	// Inconsistent marks a state divergence between exchange and ledger
	// that requires out-of-band attention.
	Inconsistent bool `json:"inconsistent,omitempty"`
}

func failure(kind ErrorKind, detail string) *Result {
	return &Result{Success: false, Err: kind, Detail: detail}
}

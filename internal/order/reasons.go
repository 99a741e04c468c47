package order

// Reason is a stable failure code surfaced on results, events, and logs.
type Reason string

const (
	ReasonValidation            Reason = "VALIDATION"
	ReasonRiskViolation         Reason = "RISK_VIOLATION"
	ReasonQueueFull             Reason = "QUEUE_FULL"
	ReasonSymbolLimit           Reason = "SYMBOL_LIMIT"
	ReasonDownstreamTimeout     Reason = "DOWNSTREAM_TIMEOUT"
	ReasonDownstreamRejected    Reason = "DOWNSTREAM_REJECTED"
	ReasonDownstreamUnavailable Reason = "DOWNSTREAM_UNAVAILABLE"
	ReasonBusDisconnected       Reason = "BUS_DISCONNECTED"
	ReasonBusBufferOverflow     Reason = "BUS_BUFFER_OVERFLOW"
	ReasonLateFill              Reason = "LATE_FILL"
	ReasonUnknownOrder          Reason = "UNKNOWN_ORDER"
	ReasonInvalidGeometry       Reason = "INVALID_GEOMETRY"
	ReasonShutdown              Reason = "SHUTDOWN"
	ReasonDeferred              Reason = "DEFERRED"
	ReasonNotCancellable        Reason = "NOT_CANCELLABLE"
	ReasonUnknown               Reason = "UNKNOWN"
)

package reactor

// TraceCode is an entry in a handler's trace buffer: a [HandlerState] the
// handler entered, or TraceTransferred.
type TraceCode uint8

// TraceTransferred marks the point a trace was moved to a new handler by
// a transfer.
const TraceTransferred = TraceCode(StateClosed) + 1

const traceSize = 64

// String returns a human-readable representation of the code.
func (c TraceCode) String() string {
	if c == TraceTransferred {
		return "Transferred"
	}
	return HandlerState(c).String()
}

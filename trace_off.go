//go:build !reactor_trace

package reactor

// TraceEnabled reports whether handler tracing is compiled in. Build with
// -tags reactor_trace to enable it.
const TraceEnabled = false

type traceBuffer struct{}

func (*traceBuffer) record(TraceCode) {}

func (*traceBuffer) snapshot() []TraceCode { return nil }

func (*traceBuffer) moveFrom(*traceBuffer) {}

func (*traceBuffer) reset() {}

//go:build reactor_trace

package reactor

// TraceEnabled reports whether handler tracing is compiled in.
const TraceEnabled = true

// traceBuffer is a ring of the most recent trace codes.
type traceBuffer struct {
	codes [traceSize]TraceCode
	n     int
}

func (t *traceBuffer) record(c TraceCode) {
	t.codes[t.n%traceSize] = c
	t.n++
}

func (t *traceBuffer) snapshot() []TraceCode {
	count := t.n
	start := 0
	if count > traceSize {
		start = t.n - traceSize
		count = traceSize
	}
	out := make([]TraceCode, 0, count)
	for i := start; i < t.n; i++ {
		out = append(out, t.codes[i%traceSize])
	}
	return out
}

func (t *traceBuffer) moveFrom(o *traceBuffer) {
	*t = *o
	*o = traceBuffer{}
}

func (t *traceBuffer) reset() {
	*t = traceBuffer{}
}

// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

import (
	"fmt"
	"os"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Categories for rate limited error logs.
const (
	logCategoryOrphan   = "orphan"
	logCategoryPanic    = "panic"
	logCategoryUncaught = "uncaught"
)

// defaultLogRates limits each error category to 10 logs per second, and
// 100 per minute.
var defaultLogRates = map[time.Duration]int{
	time.Second: 10,
	time.Minute: 100,
}

// DefaultLogger returns the logger used when [WithLogger] is not given:
// JSON lines on stderr, warnings and above.
func DefaultLogger() *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(logiface.LevelWarning),
	).Logger()
}

// logLimiter rate limits repetitive error logs, per category. The zero
// value (or nil) allows everything.
type logLimiter struct {
	limiter *catrate.Limiter
}

// newLogLimiter validates rates, returning nil for no limits.
func newLogLimiter(rates map[time.Duration]int) (l *logLimiter, err error) {
	if len(rates) == 0 {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			l, err = nil, invalidOption("log rate limits: %v", r)
		}
	}()
	return &logLimiter{limiter: catrate.NewLimiter(rates)}, nil
}

func (l *logLimiter) allow(category string) bool {
	if l == nil {
		return true
	}
	_, ok := l.limiter.Allow(category)
	return ok
}

func panicValue(v any) string {
	if pe, ok := v.(PanicError); ok {
		v = pe.Value
	}
	return fmt.Sprint(v)
}

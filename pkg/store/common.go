package store

import (
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "go-stock-outbox"

func addDBStatsToSpan(span trace.Span, system, statement string, eventsCount int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("eventsCount", eventsCount),
		attribute.String("db.system", system),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}

// Truncate cuts s to at most max runes.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

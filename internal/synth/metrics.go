package synth

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	sessions   metric.Int64Counter
	frames     metric.Int64Counter
	audioBytes metric.Int64Counter
	duration   metric.Float64Histogram
}

var (
	instrumentsOnce sync.Once
	sessionMetrics  *instruments
)

// metrics returns the package instruments, created on first use against the
// global meter provider. Nil means instrumentation failed and is skipped.
func metrics() *instruments {
	instrumentsOnce.Do(func() {
		meter := otel.Meter("github.com/loqalabs/synthstream/synth")
		var m instruments
		var err error
		if m.sessions, err = meter.Int64Counter("synth.sessions", metric.WithDescription("Synthesis sessions by outcome")); err != nil {
			return
		}
		if m.frames, err = meter.Int64Counter("synth.frames", metric.WithDescription("Inbound frames by kind")); err != nil {
			return
		}
		if m.audioBytes, err = meter.Int64Counter("synth.audio.bytes", metric.WithDescription("Audio bytes received"), metric.WithUnit("By")); err != nil {
			return
		}
		if m.duration, err = meter.Float64Histogram("synth.session.duration", metric.WithDescription("Session lifetime"), metric.WithUnit("s")); err != nil {
			return
		}
		sessionMetrics = &m
	})
	return sessionMetrics
}

func (m *instruments) frame(kind string, audio int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.frames.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	if audio > 0 {
		m.audioBytes.Add(ctx, int64(audio))
	}
}

func (m *instruments) finished(outcome string, started time.Time) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.sessions.Add(ctx, 1, attrs)
	if !started.IsZero() {
		m.duration.Record(ctx, time.Since(started).Seconds(), attrs)
	}
}

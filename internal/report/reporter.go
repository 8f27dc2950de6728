// Package report fans decision-cycle events out to the event stream, the
// audit log and the operator notifier without blocking the producer.
package report

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

// EventNotifier forwards selected events to operators.
type EventNotifier interface {
	NotifyEvent(ctx context.Context, ev domain.ReportEvent) error
}

// Config sizes the reporter.
type Config struct {
	QueueSize int
	// Stream is the durable Redis stream events are appended to.
	Stream string
	// Channel is the Pub/Sub channel for live subscribers. Empty disables.
	Channel string
}

// Reporter implements domain.Reporter with a bounded queue drained by Run.
// Every sink is optional.
type Reporter struct {
	queue    chan domain.ReportEvent
	cfg      Config
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier EventNotifier
	logger   *slog.Logger

	dropped   atomic.Int64
	delivered atomic.Int64
}

// New creates a Reporter. Run must be started for events to be delivered.
func New(cfg Config, bus domain.SignalBus, audit domain.AuditStore, notifier EventNotifier, logger *slog.Logger) *Reporter {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1024
	}
	if cfg.Stream == "" {
		cfg.Stream = "events"
	}
	return &Reporter{
		queue:    make(chan domain.ReportEvent, cfg.QueueSize),
		cfg:      cfg,
		bus:      bus,
		audit:    audit,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "reporter")),
	}
}

// Report enqueues ev. A full queue drops the event.
func (r *Reporter) Report(ev domain.ReportEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case r.queue <- ev:
	default:
		n := r.dropped.Add(1)
		r.logger.Warn("report queue full, dropping event",
			slog.String("kind", string(ev.Kind)),
			slog.Int64("dropped_total", n),
		)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (r *Reporter) Dropped() int64 { return r.dropped.Load() }

// Delivered returns how many events were handed to the sinks.
func (r *Reporter) Delivered() int64 { return r.delivered.Load() }

// Run delivers queued events until ctx is cancelled, then flushes what is
// left with a short deadline.
func (r *Reporter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return nil
		case ev := <-r.queue:
			r.deliver(ctx, ev)
		}
	}
}

func (r *Reporter) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-r.queue:
			r.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (r *Reporter) deliver(ctx context.Context, ev domain.ReportEvent) {
	log := r.logger.With(slog.String("kind", string(ev.Kind)))

	if r.bus != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			log.ErrorContext(ctx, "marshal event failed", slog.String("error", err.Error()))
		} else {
			if err := r.bus.StreamAppend(ctx, r.cfg.Stream, payload); err != nil {
				log.WarnContext(ctx, "stream append failed", slog.String("error", err.Error()))
			}
			if r.cfg.Channel != "" {
				if err := r.bus.Publish(ctx, r.cfg.Channel, payload); err != nil {
					log.WarnContext(ctx, "publish event failed", slog.String("error", err.Error()))
				}
			}
		}
	}

	if r.audit != nil && ev.Kind != domain.ReportRejection {
		detail := make(map[string]any, len(ev.Detail)+1)
		for k, v := range ev.Detail {
			detail[k] = v
		}
		detail["message"] = ev.Message
		if err := r.audit.Log(ctx, string(ev.Kind), detail); err != nil {
			log.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}

	if r.notifier != nil {
		if err := r.notifier.NotifyEvent(ctx, ev); err != nil {
			log.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
		}
	}
	r.delivered.Add(1)
}

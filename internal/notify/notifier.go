// Package notify delivers operator alerts to chat channels. Events are
// filtered by kind so operators receive only what they asked for.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// DefaultEvents are the kinds forwarded when none are configured.
var DefaultEvents = []domain.ReportKind{
	domain.ReportExecutionFailed,
	domain.ReportStrategyPaused,
	domain.ReportStrategyFault,
	domain.ReportPositionClosed,
}

// Notifier dispatches events to one or more Senders.
type Notifier struct {
	senders []Sender
	events  map[domain.ReportKind]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier for the given senders. Only events whose
// kind appears in events are forwarded; an empty list means DefaultEvents.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.ReportKind]bool)
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.ReportKind(e)] = true
		}
	}
	if len(allowed) == 0 {
		for _, k := range DefaultEvents {
			allowed[k] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Wants reports whether events of kind are forwarded.
func (n *Notifier) Wants(kind domain.ReportKind) bool { return n.events[kind] }

// NotifyEvent formats ev and sends it if its kind is allowed.
func (n *Notifier) NotifyEvent(ctx context.Context, ev domain.ReportEvent) error {
	if !n.Wants(ev.Kind) {
		return nil
	}
	return n.dispatch(ctx, Title(ev.Kind), Format(ev))
}

// Title returns the alert title for an event kind.
func Title(kind domain.ReportKind) string {
	switch kind {
	case domain.ReportExecutionFailed:
		return "Execution failed"
	case domain.ReportStrategyPaused:
		return "Strategy paused"
	case domain.ReportStrategyFault:
		return "Strategy fault"
	case domain.ReportPositionClosed:
		return "Position closed"
	case domain.ReportWhaleTracked:
		return "New tracked whale"
	case domain.ReportCycle:
		return "Cycle summary"
	default:
		return strings.ReplaceAll(string(kind), "_", " ")
	}
}

// Format renders the event message followed by its detail keys in order.
func Format(ev domain.ReportEvent) string {
	var b strings.Builder
	b.WriteString(ev.Message)
	keys := make([]string, 0, len(ev.Detail))
	for k := range ev.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, ev.Detail[k])
	}
	if !ev.At.IsZero() {
		fmt.Fprintf(&b, "\nat: %s", ev.At.UTC().Format("2006-01-02 15:04:05Z"))
	}
	return b.String()
}

// dispatch sends to every sender. A single sender failure does not prevent
// delivery to the rest; failures are joined into one error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	return errors.Join(errs...)
}

package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

// Status is the lifecycle state of a registered strategy.
type Status string

const (
	StatusDisabled Status = "disabled"
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
)

// StrategyInfo holds runtime info for a registered strategy (for status APIs).
type StrategyInfo struct {
	Name                string     `json:"name"`
	Status              Status     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	Candidates          int64      `json:"candidates"`
	Executed            int64      `json:"executed"`
	Rejected            int64      `json:"rejected"`
	LastRun             *time.Time `json:"last_run,omitempty"`
	PausedAt            *time.Time `json:"paused_at,omitempty"`
}

type entry struct {
	strategy Strategy
	info     StrategyInfo
}

// Registry manages the named strategies and their lifecycle:
// disabled -> active <-> paused. A strategy is paused automatically after
// failureThreshold consecutive faults and stays paused until re-enabled.
// It is safe for concurrent use.
type Registry struct {
	entries          map[string]*entry
	failureThreshold int
	store            domain.StrategyStateStore
	logger           *slog.Logger
	now              func() time.Time
	mu               sync.RWMutex
}

// NewRegistry returns an empty Registry. store may be nil.
func NewRegistry(failureThreshold int, store domain.StrategyStateStore, logger *slog.Logger) *Registry {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &Registry{
		entries:          make(map[string]*entry),
		failureThreshold: failureThreshold,
		store:            store,
		logger:           logger.With(slog.String("component", "strategy_registry")),
		now:              time.Now,
	}
}

// Register adds a strategy, active or disabled. If a strategy with the same
// name already exists it will be replaced.
func (r *Registry) Register(s Strategy, enabled bool) {
	st := StatusDisabled
	if enabled {
		st = StatusActive
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[s.Name()] = &entry{strategy: s, info: StrategyInfo{Name: s.Name(), Status: st}}
}

// Restore applies persisted lifecycle state to registered strategies, so a
// strategy paused before a restart stays paused.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	states, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("strategy: restore: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range states {
		e, ok := r.entries[st.Name]
		if !ok {
			continue
		}
		switch Status(st.Status) {
		case StatusActive, StatusPaused, StatusDisabled:
			e.info.Status = Status(st.Status)
		}
		e.info.ConsecutiveFailures = st.ConsecutiveFailures
		e.info.LastError = st.LastError
	}
	return nil
}

// Get retrieves a strategy by name.
func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("strategy %q: %w", name, domain.ErrNotFound)
	}
	return e.strategy, nil
}

// Active returns the active strategies in name order.
func (r *Registry) Active() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Strategy
	for _, n := range r.namesLocked() {
		if e := r.entries[n]; e.info.Status == StatusActive {
			out = append(out, e.strategy)
		}
	}
	return out
}

// Enable activates a disabled or paused strategy and clears its failure
// count. This is the only way out of the paused state.
func (r *Registry) Enable(ctx context.Context, name string) error {
	return r.transition(ctx, name, StatusActive, "")
}

// Pause pauses an active strategy.
func (r *Registry) Pause(ctx context.Context, name, reason string) error {
	return r.transition(ctx, name, StatusPaused, reason)
}

// Disable disables a strategy.
func (r *Registry) Disable(ctx context.Context, name string) error {
	return r.transition(ctx, name, StatusDisabled, "")
}

// ErrInvalidTransition is returned for a lifecycle change the current
// status does not allow.
var ErrInvalidTransition = errors.New("invalid strategy transition")

func (r *Registry) transition(ctx context.Context, name string, to Status, reason string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("strategy %q: %w", name, domain.ErrNotFound)
	}
	from := e.info.Status
	if to == StatusPaused && from != StatusActive {
		r.mu.Unlock()
		return fmt.Errorf("strategy %q: %s -> %s: %w", name, from, to, ErrInvalidTransition)
	}
	e.info.Status = to
	switch to {
	case StatusActive:
		e.info.ConsecutiveFailures = 0
		e.info.LastError = ""
		e.info.PausedAt = nil
	case StatusPaused:
		now := r.now()
		e.info.PausedAt = &now
		if reason != "" {
			e.info.LastError = reason
		}
	}
	st := stateOf(e.info, r.now())
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "strategy state changed",
		slog.String("strategy", name),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	r.persist(ctx, st)
	return nil
}

// RecordFailure counts a fault. It returns true when this failure paused
// the strategy.
func (r *Registry) RecordFailure(ctx context.Context, name string, cause error) bool {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return false
	}
	e.info.ConsecutiveFailures++
	e.info.LastError = cause.Error()
	paused := false
	if e.info.Status == StatusActive && e.info.ConsecutiveFailures >= r.failureThreshold {
		now := r.now()
		e.info.Status = StatusPaused
		e.info.PausedAt = &now
		paused = true
	}
	st := stateOf(e.info, r.now())
	r.mu.Unlock()

	if paused {
		r.logger.WarnContext(ctx, "strategy paused after consecutive failures",
			slog.String("strategy", name),
			slog.Int("failures", st.ConsecutiveFailures),
			slog.String("error", cause.Error()),
		)
	}
	r.persist(ctx, st)
	return paused
}

// RecordRun adds one cycle's tallies. A run without faults resets the
// failure streak; a faulted run leaves it to RecordFailure.
func (r *Registry) RecordRun(ctx context.Context, name string, tally domain.StrategyTally, faulted bool) {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	now := r.now()
	hadFailures := !faulted && e.info.ConsecutiveFailures > 0
	if !faulted {
		e.info.ConsecutiveFailures = 0
	}
	e.info.Candidates += int64(tally.Candidates)
	e.info.Executed += int64(tally.Executed)
	e.info.Rejected += int64(tally.Rejected)
	e.info.LastRun = &now
	st := stateOf(e.info, now)
	r.mu.Unlock()

	if hadFailures {
		r.persist(ctx, st)
	}
}

// Info returns runtime info for one strategy.
func (r *Registry) Info(name string) (StrategyInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return StrategyInfo{}, fmt.Errorf("strategy %q: %w", name, domain.ErrNotFound)
	}
	return e.info, nil
}

// List returns the names of all registered strategies in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

// ListInfo returns runtime info for all registered strategies.
func (r *Registry) ListInfo() []StrategyInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.namesLocked()
	infos := make([]StrategyInfo, 0, len(names))
	for _, n := range names {
		infos = append(infos, r.entries[n].info)
	}
	return infos
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) persist(ctx context.Context, st domain.StrategyState) {
	if r.store == nil {
		return
	}
	if err := r.store.Upsert(ctx, st); err != nil {
		r.logger.WarnContext(ctx, "persist strategy state failed",
			slog.String("strategy", st.Name),
			slog.String("error", err.Error()),
		)
	}
}

func stateOf(info StrategyInfo, at time.Time) domain.StrategyState {
	return domain.StrategyState{
		Name:                info.Name,
		Status:              string(info.Status),
		ConsecutiveFailures: info.ConsecutiveFailures,
		LastError:           info.LastError,
		UpdatedAt:           at,
	}
}

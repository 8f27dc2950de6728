package strategy

import (
	"context"
	"time"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

// Strategy is the capability every registered strategy provides. The
// orchestrator calls Detect once per cycle and OnOutcome once for every
// candidate it consumed from that strategy.
type Strategy interface {
	Name() string
	// Detect returns this cycle's candidates. It must not touch portfolio
	// state.
	Detect(ctx context.Context, now time.Time) ([]domain.Opportunity, error)
	OnOutcome(ctx context.Context, opp domain.Opportunity, out domain.ExecutionOutcome)
}

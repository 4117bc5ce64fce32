package driven

import (
	"context"

	"github.com/ericfisherdev/archguard/internal/domain/model"
)

// Analyzer defines the driven port for the external analysis collaborator.
// The orchestrator invokes Analyze after a run enters queued; the analyzer
// reports its verdict later through the orchestrator's ReportResult path.
// A nil analyzer is valid, in which case results arrive only via the HTTP
// results endpoint.
type Analyzer interface {
	Analyze(ctx context.Context, key model.OrchestrationKey, trigger model.NormalizedTrigger) error
}

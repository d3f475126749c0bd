package pipeline

import (
	"context"
	"time"

	"github.com/ethpandaops/knoboor/pkg/api/store"
	"github.com/ethpandaops/knoboor/pkg/tasks"
	"golang.org/x/sync/errgroup"
)

// StatusSource resolves task identifiers to their records.
type StatusSource interface {
	Status(ctx context.Context, taskID string) (*store.TaskRecord, bool, error)
}

// TaskInfo is one resolved task of a chain.
type TaskInfo struct {
	TaskID   string       `json:"task_id"`
	Name     string       `json:"name"`
	Status   tasks.Status `json:"status"`
	Error    string       `json:"error,omitempty"`
	DateDone *time.Time   `json:"date_done,omitempty"`
}

// Report is the aggregated status of a result's chain.
type Report struct {
	Launched       bool         `json:"launched"`
	OverallStatus  tasks.Status `json:"overall_status,omitempty"`
	Completed      int          `json:"completed"`
	Total          int          `json:"total"`
	State          State        `json:"state"`
	CompletionTime *time.Time   `json:"completion_time,omitempty"`
	TotalRuntime   *float64     `json:"total_runtime_seconds,omitempty"`
	Tasks          []TaskInfo   `json:"tasks"`
}

// Reduce folds task statuses in chain order into an overall status and
// the number of successful tasks. An empty input yields the empty status.
// A fault ends the fold; any other status replaces the running status.
func Reduce(statuses []tasks.Status) (tasks.Status, int) {
	var (
		overall   tasks.Status
		completed int
	)

	for _, s := range statuses {
		if s == tasks.StatusSuccess {
			completed++
			overall = s

			continue
		}

		overall = s

		if s.Fault() {
			break
		}
	}

	return overall, completed
}

// ChainStatus resolves the task identifiers recorded on result and
// reduces them. Identifiers with no record are left out.
func ChainStatus(
	ctx context.Context, src StatusSource, result *store.Result,
) (*Report, error) {
	ids := result.TaskIDList()
	report := &Report{
		Launched: len(ids) > 0,
		Total:    len(StageNames),
		Tasks:    make([]TaskInfo, 0, len(ids)),
	}

	if len(ids) == 0 {
		report.State = State{Phase: PhaseNotLaunched}

		return report, nil
	}

	records := make([]*store.TaskRecord, len(ids))

	g, gctx := errgroup.WithContext(ctx)

	for i, id := range ids {
		g.Go(func() error {
			rec, found, err := src.Status(gctx, id)
			if err != nil {
				return err
			}

			if found {
				records[i] = rec
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	statuses := make([]tasks.Status, 0, len(ids))

	var last *store.TaskRecord

	for _, rec := range records {
		if rec == nil {
			continue
		}

		statuses = append(statuses, tasks.Status(rec.Status))
		report.Tasks = append(report.Tasks, TaskInfo{
			TaskID:   rec.TaskID,
			Name:     rec.Name,
			Status:   tasks.Status(rec.Status),
			Error:    rec.Error,
			DateDone: rec.DateDone,
		})
		last = rec
	}

	report.OverallStatus, report.Completed = Reduce(statuses)
	report.State = DeriveState(ids, records)

	if report.State.Phase == PhaseResolved && last != nil && last.DateDone != nil {
		done := last.DateDone.UTC()
		runtime := done.Sub(result.CreatedAt).Seconds()
		report.CompletionTime = &done
		report.TotalRuntime = &runtime
	}

	return report, nil
}

package pipeline

import (
	"github.com/ethpandaops/knoboor/pkg/api/store"
	"github.com/ethpandaops/knoboor/pkg/tasks"
)

// Phase is the position of a chain in its lifecycle.
type Phase string

// Chain phases.
const (
	PhaseNotLaunched Phase = "not_launched"
	PhaseStage1      Phase = "stage1"
	PhaseStage2      Phase = "stage2"
	PhaseStage3      Phase = "stage3"
	PhaseResolved    Phase = "resolved"
)

var stagePhases = []Phase{PhaseStage1, PhaseStage2, PhaseStage3}

// State is the derived state of a chain. TaskID is set while a stage is
// current. Status is the current stage's status, or the final status once
// resolved.
type State struct {
	Phase  Phase        `json:"phase"`
	TaskID string       `json:"task_id,omitempty"`
	Status tasks.Status `json:"status,omitempty"`
}

// Launch moves a not-launched chain to its first stage.
func (s State) Launch(ids []string) State {
	if s.Phase != PhaseNotLaunched || len(ids) == 0 {
		return s
	}

	return State{Phase: PhaseStage1, TaskID: ids[0], Status: tasks.StatusPending}
}

// Observe applies the status of the current stage. Success advances to the
// next stage or resolves the chain, a fault resolves it, and an in-flight
// status keeps the current stage.
func (s State) Observe(ids []string, status tasks.Status) State {
	idx := stageIndex(s.Phase)
	if idx < 0 {
		return s
	}

	switch {
	case status == tasks.StatusSuccess:
		if idx+1 >= len(ids) || idx+1 >= len(stagePhases) {
			return State{Phase: PhaseResolved, Status: tasks.StatusSuccess}
		}

		return State{
			Phase:  stagePhases[idx+1],
			TaskID: ids[idx+1],
			Status: tasks.StatusPending,
		}
	case status.Fault():
		return State{Phase: PhaseResolved, Status: status}
	default:
		return State{Phase: s.Phase, TaskID: s.TaskID, Status: status}
	}
}

// DeriveState replays the records of a chain, given in the order of ids.
// A nil record means the stage has not been scheduled yet.
func DeriveState(ids []string, records []*store.TaskRecord) State {
	state := State{Phase: PhaseNotLaunched}.Launch(ids)

	for i := range ids {
		if state.Phase == PhaseResolved || i >= len(records) || records[i] == nil {
			break
		}

		status := tasks.Status(records[i].Status)
		state = state.Observe(ids, status)

		if status.InFlight() {
			break
		}
	}

	return state
}

func stageIndex(p Phase) int {
	for i, sp := range stagePhases {
		if sp == p {
			return i
		}
	}

	return -1
}

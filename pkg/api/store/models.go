package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/knoboor/pkg/normalize"
)

// Pipeline artifact kinds.
const (
	ArtifactRankedKnobs    = "ranked_knobs"
	ArtifactMappedWorkload = "mapped_workload"
	ArtifactRecommendation = "configuration_recommendation"
)

// Project groups applications owned by one user.
type Project struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"uniqueIndex;not null" json:"name"`
	Owner       string    `gorm:"not null" json:"owner"`
	Description string    `json:"description"`
	LastUpdate  time.Time `json:"last_update"`
	CreatedAt   time.Time `json:"created_at"`
}

// Application is a tuning target: one DBMS deployment on one hardware
// profile whose captures are uploaded with a shared upload code.
type Application struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	ProjectID          uint      `gorm:"index;not null" json:"project_id"`
	Project            *Project  `json:"project,omitempty"`
	Name               string    `gorm:"not null" json:"name"`
	UploadCode         string    `gorm:"uniqueIndex;not null" json:"-"`
	DBMSID             string    `gorm:"column:dbms_id;not null" json:"dbms_id"`
	Hardware           string    `gorm:"not null" json:"hardware"`
	TuningSession      bool      `json:"tuning_session"`
	TargetObjective    string    `json:"target_objective"`
	NondefaultSettings *string   `json:"nondefault_settings,omitempty"`
	LastUpdate         time.Time `json:"last_update"`
	CreatedAt          time.Time `json:"created_at"`
}

// Workload identifies a workload by DBMS, hardware and name.
type Workload struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	DBMSID    string    `gorm:"column:dbms_id;uniqueIndex:idx_workload_identity;not null" json:"dbms_id"`
	Hardware  string    `gorm:"uniqueIndex:idx_workload_identity;not null" json:"hardware"`
	Name      string    `gorm:"uniqueIndex:idx_workload_identity;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// KnobSnapshot is a normalized configuration capture.
type KnobSnapshot struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	ApplicationID      uint      `gorm:"index;not null" json:"application_id"`
	DBMSID             string    `gorm:"column:dbms_id;not null" json:"dbms_id"`
	Name               string    `json:"name"`
	Configuration      string    `gorm:"type:text;not null" json:"-"`
	KnobData           string    `gorm:"type:text" json:"-"`
	NondefaultSettings string    `gorm:"type:text" json:"-"`
	CreatedAt          time.Time `json:"created_at"`
}

// Knobs decodes the full canonical configuration.
func (k *KnobSnapshot) Knobs() (normalize.Knobs, error) {
	var knobs normalize.Knobs
	if err := json.Unmarshal([]byte(k.Configuration), &knobs); err != nil {
		return nil, fmt.Errorf("decoding knob snapshot %d: %w", k.ID, err)
	}

	return knobs, nil
}

// MetricSnapshot is a normalized metric capture.
type MetricSnapshot struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ApplicationID uint      `gorm:"index;not null" json:"application_id"`
	DBMSID        string    `gorm:"column:dbms_id;not null" json:"dbms_id"`
	Name          string    `json:"name"`
	Metrics       string    `gorm:"type:text;not null" json:"-"`
	MetricData    string    `gorm:"type:text" json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// Decode returns the reduced metric capture.
func (m *MetricSnapshot) Decode() (*normalize.Metrics, error) {
	var metrics normalize.Metrics
	if err := json.Unmarshal([]byte(m.Metrics), &metrics); err != nil {
		return nil, fmt.Errorf("decoding metric snapshot %d: %w", m.ID, err)
	}

	return &metrics, nil
}

// Data returns the per-second metric data used by the pipeline.
func (m *MetricSnapshot) Data() (map[string]float64, error) {
	var data map[string]float64
	if err := json.Unmarshal([]byte(m.MetricData), &data); err != nil {
		return nil, fmt.Errorf("decoding metric data %d: %w", m.ID, err)
	}

	return data, nil
}

// Result is the record of one workload execution. It is immutable after
// creation except for TaskIDs, which is written once when the tuning
// pipeline is launched.
type Result struct {
	ID               uint            `gorm:"primaryKey" json:"id"`
	ApplicationID    uint            `gorm:"index;not null" json:"application_id"`
	Application      *Application    `json:"application,omitempty"`
	DBMSID           string          `gorm:"column:dbms_id;index;not null" json:"dbms_id"`
	WorkloadID       uint            `gorm:"index;not null" json:"workload_id"`
	Workload         *Workload       `json:"workload,omitempty"`
	KnobSnapshotID   uint            `gorm:"not null" json:"knob_snapshot_id"`
	KnobSnapshot     *KnobSnapshot   `json:"knob_snapshot,omitempty"`
	MetricSnapshotID uint            `gorm:"not null" json:"metric_snapshot_id"`
	MetricSnapshot   *MetricSnapshot `json:"metric_snapshot,omitempty"`
	StartTime        time.Time       `gorm:"not null" json:"start_time"`
	EndTime          time.Time       `gorm:"index;not null" json:"end_time"`
	ObservationTime  float64         `json:"observation_time"`
	TaskIDs          string          `gorm:"not null;default:''" json:"task_ids,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// TaskIDList splits the stored task identifiers in execution order.
func (r *Result) TaskIDList() []string {
	if r.TaskIDs == "" {
		return nil
	}

	return strings.Split(r.TaskIDs, ",")
}

// BackupData keeps the verbatim uploaded payloads of a result for audit.
type BackupData struct {
	ID                    uint      `gorm:"primaryKey" json:"id"`
	ResultID              uint      `gorm:"uniqueIndex;not null" json:"result_id"`
	OriginalSummary       string    `gorm:"type:text" json:"original_summary"`
	OriginalKnobs         string    `gorm:"type:text" json:"original_knobs"`
	OriginalMetricsBefore string    `gorm:"type:text" json:"original_metrics_before"`
	OriginalMetricsAfter  string    `gorm:"type:text" json:"original_metrics_after"`
	KnobDiffs             string    `gorm:"type:text" json:"knob_diffs"`
	MetricDiffs           string    `gorm:"type:text" json:"metric_diffs"`
	CreatedAt             time.Time `json:"created_at"`
}

// TaskRecord is the persisted state of one pipeline stage execution.
type TaskRecord struct {
	ID        uint       `gorm:"primaryKey" json:"-"`
	TaskID    string     `gorm:"uniqueIndex;not null" json:"task_id"`
	Name      string     `gorm:"not null" json:"name"`
	Status    string     `gorm:"index;not null" json:"status"`
	Output    string     `gorm:"type:text" json:"-"`
	Error     string     `gorm:"type:text" json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DateDone  *time.Time `json:"date_done,omitempty"`
}

// PipelineArtifact is an output of a pipeline stage or an externally
// computed ranking, scoped to a DBMS and hardware profile.
type PipelineArtifact struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	DBMSID    string    `gorm:"column:dbms_id;index:idx_artifact_scope;not null" json:"dbms_id"`
	Hardware  string    `gorm:"index:idx_artifact_scope;not null" json:"hardware"`
	Kind      string    `gorm:"index:idx_artifact_scope;not null" json:"kind"`
	ResultID  *uint     `json:"result_id,omitempty"`
	Value     string    `gorm:"type:text;not null" json:"value"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

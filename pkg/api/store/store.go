package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/knoboor/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrStatusChanged is returned by a conditional task update when the
// record is no longer in the expected status.
var ErrStatusChanged = errors.New("task status changed")

// Store provides persistence for tuning data.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Projects and applications.
	UpsertProject(ctx context.Context, project *Project) error
	UpsertApplication(ctx context.Context, app *Application) error
	GetApplication(ctx context.Context, id uint) (*Application, error)
	GetApplicationByUploadCode(
		ctx context.Context, code string,
	) (*Application, error)

	// Captures and results.
	CreateCapture(ctx context.Context, capture *Capture) error
	CreateBackup(ctx context.Context, backup *BackupData) error
	GetBackup(ctx context.Context, resultID uint) (*BackupData, error)
	GetResult(ctx context.Context, id uint) (*Result, error)
	ListResults(ctx context.Context, filter ResultFilter) ([]Result, error)
	ClaimResultTaskIDs(
		ctx context.Context, resultID uint, taskIDs string,
	) (bool, error)
	ReleaseResultTaskIDs(
		ctx context.Context, resultID uint, taskIDs string,
	) error

	// Workloads.
	GetOrCreateWorkload(
		ctx context.Context, dbmsID, hardware, name string,
	) (*Workload, error)
	ListWorkloads(
		ctx context.Context, dbmsID, hardware string,
	) ([]Workload, error)

	// Pipeline task records.
	CreateTaskRecord(ctx context.Context, record *TaskRecord) error
	UpdateTaskRecord(
		ctx context.Context, taskID string, updates TaskUpdate,
	) error
	GetTaskRecord(ctx context.Context, taskID string) (*TaskRecord, error)
	DeleteTaskRecord(ctx context.Context, taskID string) error

	// Pipeline artifacts.
	CreateArtifact(ctx context.Context, artifact *PipelineArtifact) error
	LatestArtifact(
		ctx context.Context, dbmsID, hardware, kind string,
	) (*PipelineArtifact, error)
}

// Capture bundles everything written for one accepted upload.
type Capture struct {
	Application  *Application
	KnobSnapshot *KnobSnapshot
	Metrics      *MetricSnapshot
	WorkloadName string
	Result       *Result
	// NondefaultSettings is stored on the application only when it has
	// none yet.
	NondefaultSettings string
}

// ResultFilter narrows ListResults. Zero values do not filter.
type ResultFilter struct {
	ApplicationID uint
	DBMSID        string
	WorkloadID    uint
	Limit         int
}

// TaskUpdate holds the mutable fields of a task record. When
// FromStatus is set the update only applies to a record in that status.
type TaskUpdate struct {
	FromStatus string
	Status     string
	Output   *string
	Error    *string
	DateDone *time.Time
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.APIDatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.APIDatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// A single connection serializes writers and keeps in-memory
		// databases from being split across connections.
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Project{},
		&Application{},
		&Workload{},
		&KnobSnapshot{},
		&MetricSnapshot{},
		&Result{},
		&BackupData{},
		&TaskRecord{},
		&PipelineArtifact{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	return err
}

// --- Projects and applications ---

// UpsertProject creates or updates a project keyed by name.
func (s *store) UpsertProject(ctx context.Context, project *Project) error {
	result := s.db.WithContext(ctx).
		Where("name = ?", project.Name).
		Assign(Project{Owner: project.Owner, Description: project.Description}).
		Attrs(Project{LastUpdate: time.Now().UTC()}).
		FirstOrCreate(project)
	if result.Error != nil {
		return fmt.Errorf("upserting project: %w", result.Error)
	}

	return nil
}

// UpsertApplication creates or updates an application keyed by upload
// code. The non-default settings field is never overwritten.
func (s *store) UpsertApplication(ctx context.Context, app *Application) error {
	result := s.db.WithContext(ctx).
		Where("upload_code = ?", app.UploadCode).
		Assign(map[string]any{
			"project_id":       app.ProjectID,
			"name":             app.Name,
			"dbms_id":          app.DBMSID,
			"hardware":         app.Hardware,
			"tuning_session":   app.TuningSession,
			"target_objective": app.TargetObjective,
		}).
		Attrs(Application{LastUpdate: time.Now().UTC()}).
		FirstOrCreate(app)
	if result.Error != nil {
		return fmt.Errorf("upserting application: %w", result.Error)
	}

	return nil
}

func (s *store) GetApplication(
	ctx context.Context, id uint,
) (*Application, error) {
	var app Application
	if err := s.db.WithContext(ctx).
		Preload("Project").
		First(&app, id).Error; err != nil {
		return nil, fmt.Errorf("getting application: %w", notFound(err))
	}

	return &app, nil
}

func (s *store) GetApplicationByUploadCode(
	ctx context.Context, code string,
) (*Application, error) {
	var app Application
	if err := s.db.WithContext(ctx).
		Preload("Project").
		Where("upload_code = ?", code).
		First(&app).Error; err != nil {
		return nil, fmt.Errorf(
			"getting application by upload code: %w", notFound(err),
		)
	}

	return &app, nil
}

// --- Captures and results ---

// CreateCapture writes the knob snapshot, metric snapshot, workload and
// result of one upload in a single transaction, then records the first
// non-default settings on the application and touches the application
// and project update timestamps.
func (s *store) CreateCapture(ctx context.Context, c *Capture) error {
	now := time.Now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).
			Create(c.KnobSnapshot).Error; err != nil {
			return fmt.Errorf("creating knob snapshot: %w", err)
		}

		if err := tx.Omit(clause.Associations).
			Create(c.Metrics).Error; err != nil {
			return fmt.Errorf("creating metric snapshot: %w", err)
		}

		workload, err := getOrCreateWorkload(
			tx, c.Application.DBMSID, c.Application.Hardware, c.WorkloadName,
		)
		if err != nil {
			return err
		}

		c.Result.ApplicationID = c.Application.ID
		c.Result.DBMSID = c.Application.DBMSID
		c.Result.WorkloadID = workload.ID
		c.Result.KnobSnapshotID = c.KnobSnapshot.ID
		c.Result.MetricSnapshotID = c.Metrics.ID

		if err := tx.Omit(clause.Associations).
			Create(c.Result).Error; err != nil {
			return fmt.Errorf("creating result: %w", err)
		}

		c.Result.Workload = workload

		if err := tx.Model(&Application{}).
			Where("id = ? AND nondefault_settings IS NULL", c.Application.ID).
			Update("nondefault_settings", c.NondefaultSettings).Error; err != nil {
			return fmt.Errorf("setting nondefault settings: %w", err)
		}

		if err := tx.Model(&Application{}).
			Where("id = ?", c.Application.ID).
			Update("last_update", now).Error; err != nil {
			return fmt.Errorf("touching application: %w", err)
		}

		if err := tx.Model(&Project{}).
			Where("id = ?", c.Application.ProjectID).
			Update("last_update", now).Error; err != nil {
			return fmt.Errorf("touching project: %w", err)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("creating capture: %w", err)
	}

	return nil
}

func (s *store) CreateBackup(ctx context.Context, backup *BackupData) error {
	if err := s.db.WithContext(ctx).Create(backup).Error; err != nil {
		return fmt.Errorf("creating backup data: %w", err)
	}

	return nil
}

func (s *store) GetBackup(
	ctx context.Context, resultID uint,
) (*BackupData, error) {
	var backup BackupData
	if err := s.db.WithContext(ctx).
		Where("result_id = ?", resultID).
		First(&backup).Error; err != nil {
		return nil, fmt.Errorf("getting backup data: %w", notFound(err))
	}

	return &backup, nil
}

func (s *store) GetResult(ctx context.Context, id uint) (*Result, error) {
	var result Result
	if err := s.db.WithContext(ctx).
		Preload("Application.Project").
		Preload("Workload").
		Preload("KnobSnapshot").
		Preload("MetricSnapshot").
		First(&result, id).Error; err != nil {
		return nil, fmt.Errorf("getting result: %w", notFound(err))
	}

	return &result, nil
}

// ListResults returns matching results ordered by end time ascending.
func (s *store) ListResults(
	ctx context.Context, filter ResultFilter,
) ([]Result, error) {
	q := s.db.WithContext(ctx).
		Preload("Workload").
		Preload("KnobSnapshot").
		Preload("MetricSnapshot")

	if filter.ApplicationID != 0 {
		q = q.Where("application_id = ?", filter.ApplicationID)
	}

	if filter.DBMSID != "" {
		q = q.Where("dbms_id = ?", filter.DBMSID)
	}

	if filter.WorkloadID != 0 {
		q = q.Where("workload_id = ?", filter.WorkloadID)
	}

	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var results []Result
	if err := q.Order("end_time ASC, id ASC").Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}

	return results, nil
}

// ClaimResultTaskIDs stores the task identifiers on a result only if none
// are stored yet. It reports whether this call made the write.
func (s *store) ClaimResultTaskIDs(
	ctx context.Context, resultID uint, taskIDs string,
) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&Result{}).
		Where("id = ? AND task_ids = ''", resultID).
		Update("task_ids", taskIDs)
	if result.Error != nil {
		return false, fmt.Errorf("claiming result task ids: %w", result.Error)
	}

	return result.RowsAffected == 1, nil
}

// ReleaseResultTaskIDs clears the task identifiers of a result if they
// still equal taskIDs.
func (s *store) ReleaseResultTaskIDs(
	ctx context.Context, resultID uint, taskIDs string,
) error {
	if err := s.db.WithContext(ctx).
		Model(&Result{}).
		Where("id = ? AND task_ids = ?", resultID, taskIDs).
		Update("task_ids", "").Error; err != nil {
		return fmt.Errorf("releasing result task ids: %w", err)
	}

	return nil
}

// --- Workloads ---

func (s *store) GetOrCreateWorkload(
	ctx context.Context, dbmsID, hardware, name string,
) (*Workload, error) {
	return getOrCreateWorkload(s.db.WithContext(ctx), dbmsID, hardware, name)
}

// getOrCreateWorkload relies on the unique workload identity index so
// that concurrent uploads racing on the same workload converge on one row.
func getOrCreateWorkload(
	db *gorm.DB, dbmsID, hardware, name string,
) (*Workload, error) {
	candidate := Workload{DBMSID: dbmsID, Hardware: hardware, Name: name}

	if err := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&candidate).Error; err != nil {
		return nil, fmt.Errorf("creating workload: %w", err)
	}

	var workload Workload
	if err := db.
		Where("dbms_id = ? AND hardware = ? AND name = ?",
			dbmsID, hardware, name).
		First(&workload).Error; err != nil {
		return nil, fmt.Errorf("getting workload: %w", notFound(err))
	}

	return &workload, nil
}

func (s *store) ListWorkloads(
	ctx context.Context, dbmsID, hardware string,
) ([]Workload, error) {
	var workloads []Workload
	if err := s.db.WithContext(ctx).
		Where("dbms_id = ? AND hardware = ?", dbmsID, hardware).
		Order("id ASC").
		Find(&workloads).Error; err != nil {
		return nil, fmt.Errorf("listing workloads: %w", err)
	}

	return workloads, nil
}

// --- Task records ---

func (s *store) CreateTaskRecord(
	ctx context.Context, record *TaskRecord,
) error {
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("creating task record: %w", err)
	}

	return nil
}

func (s *store) UpdateTaskRecord(
	ctx context.Context, taskID string, u TaskUpdate,
) error {
	updates := map[string]any{"status": u.Status}

	if u.Output != nil {
		updates["output"] = *u.Output
	}

	if u.Error != nil {
		updates["error"] = *u.Error
	}

	if u.DateDone != nil {
		updates["date_done"] = *u.DateDone
	}

	query := s.db.WithContext(ctx).
		Model(&TaskRecord{}).
		Where("task_id = ?", taskID)

	if u.FromStatus != "" {
		query = query.Where("status = ?", u.FromStatus)
	}

	result := query.Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("updating task record: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		return nil
	}

	if u.FromStatus != "" {
		if _, err := s.GetTaskRecord(ctx, taskID); err == nil {
			return fmt.Errorf(
				"updating task record %s from %s: %w",
				taskID, u.FromStatus, ErrStatusChanged,
			)
		}
	}

	return fmt.Errorf("updating task record %s: %w", taskID, ErrNotFound)
}

// DeleteTaskRecord removes a task record. Deleting a missing record is
// not an error.
func (s *store) DeleteTaskRecord(ctx context.Context, taskID string) error {
	if err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Delete(&TaskRecord{}).Error; err != nil {
		return fmt.Errorf("deleting task record: %w", err)
	}

	return nil
}

func (s *store) GetTaskRecord(
	ctx context.Context, taskID string,
) (*TaskRecord, error) {
	var record TaskRecord
	if err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		First(&record).Error; err != nil {
		return nil, fmt.Errorf("getting task record: %w", notFound(err))
	}

	return &record, nil
}

// --- Pipeline artifacts ---

func (s *store) CreateArtifact(
	ctx context.Context, artifact *PipelineArtifact,
) error {
	if err := s.db.WithContext(ctx).Create(artifact).Error; err != nil {
		return fmt.Errorf("creating pipeline artifact: %w", err)
	}

	return nil
}

// LatestArtifact returns the most recently created artifact of a kind for
// a DBMS and hardware profile.
func (s *store) LatestArtifact(
	ctx context.Context, dbmsID, hardware, kind string,
) (*PipelineArtifact, error) {
	var artifact PipelineArtifact
	if err := s.db.WithContext(ctx).
		Where("dbms_id = ? AND hardware = ? AND kind = ?",
			dbmsID, hardware, kind).
		Order("created_at DESC, id DESC").
		First(&artifact).Error; err != nil {
		return nil, fmt.Errorf("getting latest artifact: %w", notFound(err))
	}

	return &artifact, nil
}

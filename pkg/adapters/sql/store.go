// Package sql implements ports.RunStore on top of GORM, so the run mirror can
// live in Postgres (or any dialect GORM supports).
package sql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/labrun/pkg/domain"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type runModel struct {
	RunID        string `gorm:"primaryKey;size:64"`
	ProtocolID   string `gorm:"size:128"`
	ProtocolName string
	Mode         string `gorm:"size:16"`
	Simulation   bool
	Parameters   datatypes.JSON
	Status       string    `gorm:"size:16;index"`
	CreatedAt    time.Time `gorm:"index"`
	UpdatedAt    time.Time
}

func (runModel) TableName() string { return "labrun_runs" }

type callModel struct {
	CallID       string `gorm:"primaryKey;size:64"`
	RunID        string `gorm:"size:64;index:idx_call_run_seq,priority:1"`
	Sequence     int64  `gorm:"index:idx_call_run_seq,priority:2"`
	MethodName   string `gorm:"size:128"`
	Args         datatypes.JSON
	StateBefore  datatypes.JSON
	StateAfter   datatypes.JSON
	Status       string `gorm:"size:16"`
	StartTime    time.Time
	EndTime      time.Time
	DurationMs   int64
	ErrorMessage string
}

func (callModel) TableName() string { return "labrun_function_calls" }

// Store implements ports.RunStore using GORM.
type Store struct {
	db *gorm.DB
}

// Open connects to Postgres and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return New(db)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&runModel{}, &callModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateRun upserts the record.
func (s *Store) CreateRun(ctx context.Context, record domain.RunRecord) error {
	params, err := toJSON(record.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}
	m := runModel{
		RunID:        record.RunID,
		ProtocolID:   record.ProtocolID,
		ProtocolName: record.ProtocolName,
		Mode:         string(record.Mode),
		Simulation:   record.Simulation,
		Parameters:   params,
		Status:       string(record.Status),
		CreatedAt:    record.CreatedAt,
		UpdatedAt:    record.UpdatedAt,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// UpdateRunStatus sets the status and bumps updated_at.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	res := s.db.WithContext(ctx).Model(&runModel{}).
		Where("run_id = ?", runID).
		Updates(map[string]any{"status": string(status), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("failed to update run status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrRunNotFound
	}
	return nil
}

// GetRun reads one record.
func (s *Store) GetRun(ctx context.Context, runID string) (domain.RunRecord, error) {
	var m runModel
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.RunRecord{}, domain.ErrRunNotFound
	}
	if err != nil {
		return domain.RunRecord{}, fmt.Errorf("failed to get run: %w", err)
	}
	return m.toDomain()
}

// ListRuns returns records newest first.
func (s *Store) ListRuns(ctx context.Context) ([]domain.RunRecord, error) {
	var rows []runModel
	if err := s.db.WithContext(ctx).Order("created_at desc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	out := make([]domain.RunRecord, 0, len(rows))
	for _, m := range rows {
		r, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// CreateFunctionCallLog inserts the entry. A row with the same call ID is
// kept as it is and domain.ErrCallExists is returned.
func (s *Store) CreateFunctionCallLog(ctx context.Context, entry domain.FunctionCallLogEntry) error {
	m, err := callFromDomain(entry)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m)
	if res.Error != nil {
		return fmt.Errorf("failed to save call log: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrCallExists, entry.CallID)
	}
	return nil
}

// ListFunctionCallLogs returns the run's entries in sequence order.
func (s *Store) ListFunctionCallLogs(ctx context.Context, runID string) ([]domain.FunctionCallLogEntry, error) {
	var rows []callModel
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("sequence asc").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list call logs: %w", err)
	}
	out := make([]domain.FunctionCallLogEntry, 0, len(rows))
	for _, m := range rows {
		e, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (m runModel) toDomain() (domain.RunRecord, error) {
	r := domain.RunRecord{
		RunID:        m.RunID,
		ProtocolID:   m.ProtocolID,
		ProtocolName: m.ProtocolName,
		Mode:         domain.Mode(m.Mode),
		Simulation:   m.Simulation,
		Status:       domain.RunStatus(m.Status),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
	if present(m.Parameters) {
		if err := json.Unmarshal(m.Parameters, &r.Parameters); err != nil {
			return r, fmt.Errorf("failed to unmarshal parameters of %s: %w", m.RunID, err)
		}
	}
	return r, nil
}

func callFromDomain(e domain.FunctionCallLogEntry) (callModel, error) {
	m := callModel{
		CallID:       e.CallID,
		RunID:        e.RunID,
		Sequence:     e.Sequence,
		MethodName:   e.MethodName,
		Status:       string(e.Status),
		StartTime:    e.StartTime,
		EndTime:      e.EndTime,
		DurationMs:   e.DurationMs,
		ErrorMessage: e.ErrorMessage,
	}
	var err error
	if m.Args, err = toJSON(e.Args); err != nil {
		return m, fmt.Errorf("failed to marshal args: %w", err)
	}
	if e.StateBefore != nil {
		if m.StateBefore, err = toJSON(e.StateBefore); err != nil {
			return m, fmt.Errorf("failed to marshal stateBefore: %w", err)
		}
	}
	if e.StateAfter != nil {
		if m.StateAfter, err = toJSON(e.StateAfter); err != nil {
			return m, fmt.Errorf("failed to marshal stateAfter: %w", err)
		}
	}
	return m, nil
}

func (m callModel) toDomain() (domain.FunctionCallLogEntry, error) {
	e := domain.FunctionCallLogEntry{
		CallID:       m.CallID,
		RunID:        m.RunID,
		Sequence:     m.Sequence,
		MethodName:   m.MethodName,
		Status:       domain.CallStatus(m.Status),
		StartTime:    m.StartTime,
		EndTime:      m.EndTime,
		DurationMs:   m.DurationMs,
		ErrorMessage: m.ErrorMessage,
	}
	if present(m.Args) {
		if err := json.Unmarshal(m.Args, &e.Args); err != nil {
			return e, fmt.Errorf("failed to unmarshal args of %s: %w", m.CallID, err)
		}
	}
	if present(m.StateBefore) {
		e.StateBefore = &domain.StoredState{}
		if err := json.Unmarshal(m.StateBefore, e.StateBefore); err != nil {
			return e, fmt.Errorf("failed to unmarshal stateBefore of %s: %w", m.CallID, err)
		}
	}
	if present(m.StateAfter) {
		e.StateAfter = &domain.StoredState{}
		if err := json.Unmarshal(m.StateAfter, e.StateAfter); err != nil {
			return e, fmt.Errorf("failed to unmarshal stateAfter of %s: %w", m.CallID, err)
		}
	}
	return e, nil
}

// toJSON returns nil for nil values so the column stays NULL.
func toJSON(v any) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(data), nil
}

// present reports whether a column holds a value. NULL scans as "null".
func present(j datatypes.JSON) bool {
	return len(j) > 0 && string(j) != "null"
}

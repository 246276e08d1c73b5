package metrics

import (
	"context"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// PersistenceCycleRow is the GORM model backing persistence_cycles.
type PersistenceCycleRow struct {
	gorm.Model
	ServiceName string
	TaskName    string
	BatchSize   int
	DurationMs  int64
	Succeeded   bool
}

// DispatchRow is the GORM model backing dispatches.
type DispatchRow struct {
	gorm.Model
	ServiceName string
	ActionName  string
	Attempt     int
	DurationMs  int64
	Outcome     string
}

// PostgresRecorder persists metrics rows via GORM. The result of each insert
// is not checked: a failed write is neither returned nor logged, so
// telemetry never fails the operation it's measuring.
type PostgresRecorder struct {
	db *gorm.DB
}

// NewPostgresRecorder opens a connection to dsn, configures the connection
// pool, and auto-migrates the metrics tables.
func NewPostgresRecorder(dsn string) (*PostgresRecorder, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&PersistenceCycleRow{}, &DispatchRow{}); err != nil {
		return nil, err
	}

	return &PostgresRecorder{db: db}, nil
}

func (r *PostgresRecorder) RecordPersistenceCycle(ctx context.Context, c PersistenceCycle) {
	row := PersistenceCycleRow{
		ServiceName: c.ServiceName,
		TaskName:    c.TaskName,
		BatchSize:   c.BatchSize,
		DurationMs:  c.Duration.Milliseconds(),
		Succeeded:   c.Succeeded,
	}
	r.db.WithContext(ctx).Create(&row)
}

func (r *PostgresRecorder) RecordDispatch(ctx context.Context, d Dispatch) {
	row := DispatchRow{
		ServiceName: d.ServiceName,
		ActionName:  d.ActionName,
		Attempt:     d.Attempt,
		DurationMs:  d.Duration.Milliseconds(),
		Outcome:     d.Outcome,
	}
	r.db.WithContext(ctx).Create(&row)
}

// AggregatedPersistenceMetrics summarizes every recorded cycle for
// serviceName and taskName: run count, failure count, and average
// duration in milliseconds.
type AggregatedPersistenceMetrics struct {
	Runs        int64
	Failures    int64
	AvgDuration time.Duration
}

// AggregatePersistenceMetrics queries the aggregate figures for a
// service/task pair over the window [from, to], both ends inclusive.
func (r *PostgresRecorder) AggregatePersistenceMetrics(ctx context.Context, serviceName, taskName string, from, to time.Time) (AggregatedPersistenceMetrics, error) {
	var (
		runs        int64
		failures    int64
		avgDuration float64
	)

	base := func() *gorm.DB {
		return r.db.WithContext(ctx).Model(&PersistenceCycleRow{}).
			Where("service_name = ? AND task_name = ? AND created_at BETWEEN ? AND ?", serviceName, taskName, from, to)
	}

	if err := base().Count(&runs).Error; err != nil {
		return AggregatedPersistenceMetrics{}, err
	}
	if err := base().Where("succeeded = ?", false).Count(&failures).Error; err != nil {
		return AggregatedPersistenceMetrics{}, err
	}
	if err := base().Select("AVG(duration_ms)").Row().Scan(&avgDuration); err != nil {
		return AggregatedPersistenceMetrics{}, err
	}

	return AggregatedPersistenceMetrics{
		Runs:        runs,
		Failures:    failures,
		AvgDuration: time.Duration(avgDuration) * time.Millisecond,
	}, nil
}

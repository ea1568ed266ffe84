// Package timescaledb stores comm events and sample data in TimescaleDB.
package timescaledb

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mnit-rtmc/iris-sub027/internal/domain"
	"github.com/mnit-rtmc/iris-sub027/internal/metrics"
	"github.com/rs/zerolog"
)

// Schema creates the tables the writer expects.
const Schema = `
CREATE TABLE IF NOT EXISTS comm_event (
	event_date  TIMESTAMPTZ NOT NULL,
	event_desc  TEXT        NOT NULL,
	link        TEXT        NOT NULL,
	drop_id     INTEGER     NOT NULL,
	controller  TEXT        NOT NULL
);
CREATE TABLE IF NOT EXISTS sample_data (
	stamp       TIMESTAMPTZ NOT NULL,
	controller  TEXT        NOT NULL,
	period_sec  INTEGER     NOT NULL,
	start_pin   INTEGER     NOT NULL,
	samples     INTEGER[]   NOT NULL
);
`

var (
	eventColumns  = []string{"event_date", "event_desc", "link", "drop_id", "controller"}
	sampleColumns = []string{"stamp", "controller", "period_sec", "start_pin", "samples"}
)

const (
	insertEvent  = `INSERT INTO comm_event (event_date, event_desc, link, drop_id, controller) VALUES ($1, $2, $3, $4, $5)`
	insertSample = `INSERT INTO sample_data (stamp, controller, period_sec, start_pin, samples) VALUES ($1, $2, $3, $4, $5)`
)

// WriterConfig contains TimescaleDB writer configuration
type WriterConfig struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	PoolSize        int
	MaxIdleTime     time.Duration
	UseCopyProtocol bool
}

// pool is the subset of *pgxpool.Pool the writer uses.
type pool interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Ping(ctx context.Context) error
	Close()
}

// Writer handles batch writing to TimescaleDB
type Writer struct {
	pool    pool
	config  WriterConfig
	logger  zerolog.Logger
	metrics *metrics.Registry

	batchesWritten atomic.Uint64
	rowsWritten    atomic.Uint64
	writeErrors    atomic.Uint64
	totalWriteTime atomic.Int64
}

// NewWriter connects to the database and creates a new writer
func NewWriter(ctx context.Context, config WriterConfig, logger zerolog.Logger, metricsReg *metrics.Registry) (*Writer, error) {
	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?pool_max_conns=%d&pool_max_conn_idle_time=%s",
		config.User,
		config.Password,
		config.Host,
		config.Port,
		config.Database,
		config.PoolSize,
		config.MaxIdleTime.String(),
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("%w: parse connection string: %v", domain.ErrDBConnectionFailed, err)
	}

	p, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDBConnectionFailed, err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("%w: ping: %v", domain.ErrDBConnectionFailed, err)
	}

	w := newWriter(p, config, logger, metricsReg)
	w.logger.Info().
		Str("host", config.Host).
		Int("port", config.Port).
		Str("database", config.Database).
		Int("pool_size", config.PoolSize).
		Bool("use_copy", config.UseCopyProtocol).
		Msg("TimescaleDB writer initialized")

	return w, nil
}

func newWriter(p pool, config WriterConfig, logger zerolog.Logger, metricsReg *metrics.Registry) *Writer {
	return &Writer{
		pool:    p,
		config:  config,
		logger:  logger.With().Str("component", "timescaledb-writer").Logger(),
		metrics: metricsReg,
	}
}

// EnsureSchema creates the event tables when missing.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	b := &pgx.Batch{}
	b.Queue(Schema)
	if err := w.pool.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("%w: create schema: %v", domain.ErrDBWriteFailed, err)
	}
	return nil
}

// WriteBatch writes a batch of events and samples to the database
func (w *Writer) WriteBatch(ctx context.Context, batch *domain.EventBatch) error {
	if batch.Size() == 0 {
		return nil
	}

	startTime := time.Now()
	var err error

	if w.config.UseCopyProtocol {
		err = w.writeBatchCopy(ctx, batch)
	} else {
		err = w.writeBatchInsert(ctx, batch)
	}

	duration := time.Since(startTime)
	w.totalWriteTime.Add(duration.Nanoseconds())

	if err != nil {
		w.writeErrors.Add(1)
		w.metrics.IncWriteErrors()
		w.logger.Error().
			Err(err).
			Int("batch_size", batch.Size()).
			Dur("duration", duration).
			Msg("Failed to write batch")
		return fmt.Errorf("%w: %v", domain.ErrDBWriteFailed, err)
	}

	w.batchesWritten.Add(1)
	w.rowsWritten.Add(uint64(batch.Size()))
	w.metrics.AddEventsWritten(int64(batch.Size()))
	w.metrics.ObserveBatchDuration(duration.Seconds())

	w.logger.Debug().
		Int("events", len(batch.Events)).
		Int("samples", len(batch.Samples)).
		Dur("duration", duration).
		Msg("Batch written successfully")

	return nil
}

// writeBatchCopy uses the COPY protocol for maximum performance
func (w *Writer) writeBatchCopy(ctx context.Context, batch *domain.EventBatch) error {
	if len(batch.Events) > 0 {
		_, err := w.pool.CopyFrom(
			ctx,
			pgx.Identifier{"comm_event"},
			eventColumns,
			pgx.CopyFromSlice(len(batch.Events), func(i int) ([]any, error) {
				return eventRow(&batch.Events[i]), nil
			}),
		)
		if err != nil {
			return fmt.Errorf("copy comm_event: %w", err)
		}
	}
	if len(batch.Samples) > 0 {
		_, err := w.pool.CopyFrom(
			ctx,
			pgx.Identifier{"sample_data"},
			sampleColumns,
			pgx.CopyFromSlice(len(batch.Samples), func(i int) ([]any, error) {
				return sampleRow(&batch.Samples[i]), nil
			}),
		)
		if err != nil {
			return fmt.Errorf("copy sample_data: %w", err)
		}
	}
	return nil
}

// writeBatchInsert queues one INSERT per row in a single round trip, for
// servers where COPY is not permitted.
func (w *Writer) writeBatchInsert(ctx context.Context, batch *domain.EventBatch) error {
	b := &pgx.Batch{}
	for i := range batch.Events {
		b.Queue(insertEvent, eventRow(&batch.Events[i])...)
	}
	for i := range batch.Samples {
		b.Queue(insertSample, sampleRow(&batch.Samples[i])...)
	}

	results := w.pool.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("insert row %d: %w", i, err)
		}
	}
	return results.Close()
}

func eventRow(ev *domain.CommEvent) []any {
	return []any{ev.Time, string(ev.Type), ev.LinkID, ev.Drop, ev.ControllerID}
}

func sampleRow(s *domain.SampleRecord) []any {
	return []any{s.Timestamp, s.ControllerID, s.PeriodSec, s.StartPin, s.Samples}
}

// HealthCheck pings the database.
func (w *Writer) HealthCheck(ctx context.Context) error {
	if err := w.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDBConnectionFailed, err)
	}
	return nil
}

// Stats returns writer statistics
func (w *Writer) Stats() map[string]interface{} {
	avgWriteTimeNs := int64(0)
	if n := w.batchesWritten.Load(); n > 0 {
		avgWriteTimeNs = w.totalWriteTime.Load() / int64(n)
	}

	stats := map[string]interface{}{
		"batches_written":   w.batchesWritten.Load(),
		"rows_written":      w.rowsWritten.Load(),
		"write_errors":      w.writeErrors.Load(),
		"avg_write_time_ms": float64(avgWriteTimeNs) / 1e6,
	}
	if p, ok := w.pool.(*pgxpool.Pool); ok {
		poolStats := p.Stat()
		stats["pool_total_conns"] = poolStats.TotalConns()
		stats["pool_idle_conns"] = poolStats.IdleConns()
		stats["pool_acquired"] = poolStats.AcquiredConns()
	}
	return stats
}

// Close closes the connection pool
func (w *Writer) Close() {
	w.pool.Close()
	w.logger.Info().Msg("TimescaleDB writer closed")
}

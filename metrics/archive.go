package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS execution_metrics (
	execution_id      TEXT PRIMARY KEY,
	ts                TIMESTAMPTZ NOT NULL,
	api_key_hash      TEXT NOT NULL DEFAULT '',
	language          TEXT NOT NULL,
	status            TEXT NOT NULL,
	execution_time_ms BIGINT NOT NULL,
	memory_peak_mb    DOUBLE PRECISION NOT NULL DEFAULT 0,
	exit_code         INT NOT NULL,
	files_uploaded    INT NOT NULL DEFAULT 0,
	files_generated   INT NOT NULL DEFAULT 0,
	container_source  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS execution_metrics_ts_idx ON execution_metrics (ts);
CREATE INDEX IF NOT EXISTS execution_metrics_language_idx ON execution_metrics (language);
`

const archiveInsert = `
INSERT INTO execution_metrics
	(execution_id, ts, api_key_hash, language, status, execution_time_ms,
	 memory_peak_mb, exit_code, files_uploaded, files_generated, container_source)
VALUES
	(:execution_id, :ts, :api_key_hash, :language, :status, :execution_time_ms,
	 :memory_peak_mb, :exit_code, :files_uploaded, :files_generated, :container_source)
ON CONFLICT (execution_id) DO NOTHING`

type archiveRow struct {
	ExecutionID     string    `db:"execution_id"`
	TS              time.Time `db:"ts"`
	APIKeyHash      string    `db:"api_key_hash"`
	Language        string    `db:"language"`
	Status          string    `db:"status"`
	ExecutionTimeMS int64     `db:"execution_time_ms"`
	MemoryPeakMB    float64   `db:"memory_peak_mb"`
	ExitCode        int       `db:"exit_code"`
	FilesUploaded   int       `db:"files_uploaded"`
	FilesGenerated  int       `db:"files_generated"`
	ContainerSource string    `db:"container_source"`
}

// Archive batches finished execution metrics into a SQL table. It is
// write-only and strictly off the hot path: a full buffer drops the oldest
// rows and database trouble is logged, never propagated.
type Archive struct {
	db    *sqlx.DB
	log   logr.Logger
	queue chan ExecutionMetric
}

// NewArchive connects to databaseURL via the pgx stdlib driver and ensures
// the schema exists.
func NewArchive(ctx context.Context, databaseURL string, log logr.Logger) (*Archive, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting metrics database: %w", err)
	}
	if _, err := db.ExecContext(ctx, archiveSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating metrics schema: %w", err)
	}
	return &Archive{
		db:    db,
		log:   log.WithName("metrics-archive"),
		queue: make(chan ExecutionMetric, 1024),
	}, nil
}

// Enqueue hands a metric to the archiver. When the buffer is full the
// metric is dropped; archiving is best effort.
func (a *Archive) Enqueue(m ExecutionMetric) {
	select {
	case a.queue <- m:
	default:
		a.log.V(1).Info("archive buffer full, dropping metric", "executionID", m.ExecutionID)
	}
}

// Run drains the queue in batches until ctx is cancelled, then flushes what
// is left and closes the database.
func (a *Archive) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	batch := make([]ExecutionMetric, 0, 128)
	for {
		select {
		case <-ctx.Done():
			a.drain(&batch)
			a.insert(context.WithoutCancel(ctx), batch)
			_ = a.db.Close()
			return
		case m := <-a.queue:
			batch = append(batch, m)
			if len(batch) >= cap(batch) {
				a.insert(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				a.insert(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (a *Archive) drain(batch *[]ExecutionMetric) {
	for {
		select {
		case m := <-a.queue:
			*batch = append(*batch, m)
		default:
			return
		}
	}
}

func (a *Archive) insert(ctx context.Context, batch []ExecutionMetric) {
	if len(batch) == 0 {
		return
	}
	rows := make([]archiveRow, 0, len(batch))
	for _, m := range batch {
		rows = append(rows, archiveRow{
			ExecutionID:     m.ExecutionID,
			TS:              m.Timestamp.UTC(),
			APIKeyHash:      m.APIKeyHash,
			Language:        m.Language,
			Status:          string(m.Status),
			ExecutionTimeMS: m.ExecutionTimeMS,
			MemoryPeakMB:    m.MemoryPeakMB,
			ExitCode:        m.ExitCode,
			FilesUploaded:   m.FilesUploaded,
			FilesGenerated:  m.FilesGenerated,
			ContainerSource: string(m.ContainerSource),
		})
	}
	if _, err := a.db.NamedExecContext(ctx, archiveInsert, rows); err != nil {
		a.log.Error(err, "archiving execution metrics", "rows", len(rows))
	}
}

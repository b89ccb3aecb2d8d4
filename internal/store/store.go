package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"sdwanctl/internal/model"
)

// ErrNotFound is returned when a path does not exist.
var ErrNotFound = errors.New("not found")

// Database is the persistence surface used by the monitor, the API and the CLI.
type Database interface {
	ListPaths(ctx context.Context) ([]model.Path, error)
	GetPath(ctx context.Context, id model.PathID) (model.Path, error)
	// GetLatestMetrics returns nil when the path has no stored metrics.
	GetLatestMetrics(ctx context.Context, id model.PathID) (*model.PathMetrics, error)
	StorePathMetrics(ctx context.Context, id model.PathID, m model.PathMetrics) error
	UpdatePathStatus(ctx context.Context, id model.PathID, status model.PathStatus) error
	InsertPath(ctx context.Context, p model.Path) (model.PathID, error)
	DeletePath(ctx context.Context, id model.PathID) error
	MetricsHistory(ctx context.Context, id model.PathID, since time.Time) ([]model.MetricsSample, error)
	Close() error
}

// SQLite implements Database on a single SQLite file.
type SQLite struct {
	db *sql.DB
}

var _ Database = (*SQLite)(nil)

// Open opens (and creates if needed) the database at path.
func Open(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; the monitor loops and API share it
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Infof("Path database initialized: %s", path)
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS paths (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		src_site TEXT NOT NULL,
		dst_site TEXT NOT NULL,
		src_endpoint TEXT NOT NULL,
		dst_endpoint TEXT NOT NULL,
		wg_interface TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'up'
	);

	CREATE TABLE IF NOT EXISTS path_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path_id INTEGER NOT NULL REFERENCES paths(id) ON DELETE CASCADE,
		latency_ms REAL NOT NULL,
		jitter_ms REAL NOT NULL,
		packet_loss_pct REAL NOT NULL,
		bandwidth_mbps REAL NOT NULL,
		mtu INTEGER NOT NULL,
		score INTEGER NOT NULL,
		measured_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_path_metrics_path_time ON path_metrics(path_id, measured_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) ListPaths(ctx context.Context) ([]model.Path, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, src_site, dst_site, src_endpoint, dst_endpoint, wg_interface, status
	FROM paths ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query paths: %w", err)
	}
	defer rows.Close()

	var paths []model.Path
	for rows.Next() {
		p, err := scanPath(rows)
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating paths: %w", err)
	}
	return paths, nil
}

func (s *SQLite) GetPath(ctx context.Context, id model.PathID) (model.Path, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT id, src_site, dst_site, src_endpoint, dst_endpoint, wg_interface, status
	FROM paths WHERE id = ?`, int64(id))

	p, err := scanPath(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Path{}, fmt.Errorf("path %s: %w", id, ErrNotFound)
	}
	return p, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPath(sc scanner) (model.Path, error) {
	var (
		p                model.Path
		id               int64
		srcSite, dstSite string
		status           string
	)
	if err := sc.Scan(&id, &srcSite, &dstSite, &p.SrcEndpoint, &p.DstEndpoint, &p.WGInterface, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Path{}, err
		}
		return model.Path{}, fmt.Errorf("failed to scan path: %w", err)
	}

	var err error
	p.ID = model.PathID(id)
	if p.SrcSite, err = model.ParseSiteID(srcSite); err != nil {
		return model.Path{}, err
	}
	if p.DstSite, err = model.ParseSiteID(dstSite); err != nil {
		return model.Path{}, err
	}
	p.Status = model.PathStatus(status)
	return p, nil
}

// InsertPath registers a path and returns its assigned ID.
func (s *SQLite) InsertPath(ctx context.Context, p model.Path) (model.PathID, error) {
	status := p.Status
	if status == "" {
		status = model.PathUp
	}
	if !status.Valid() {
		return 0, fmt.Errorf("invalid path status %q", status)
	}

	res, err := s.db.ExecContext(ctx, `
	INSERT INTO paths (src_site, dst_site, src_endpoint, dst_endpoint, wg_interface, status)
	VALUES (?, ?, ?, ?, ?, ?)`,
		p.SrcSite.String(), p.DstSite.String(), p.SrcEndpoint, p.DstEndpoint, p.WGInterface, string(status))
	if err != nil {
		return 0, fmt.Errorf("failed to insert path: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get path id: %w", err)
	}

	log.Debugf("Path stored: id=%d dst=%s", id, p.DstEndpoint)
	return model.PathID(id), nil
}

// DeletePath removes a path and its metrics history.
func (s *SQLite) DeletePath(ctx context.Context, id model.PathID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM paths WHERE id = ?`, int64(id))
	if err != nil {
		return fmt.Errorf("failed to delete path: %w", err)
	}
	return requireRow(res, id)
}

func (s *SQLite) UpdatePathStatus(ctx context.Context, id model.PathID, status model.PathStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid path status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE paths SET status = ? WHERE id = ?`, string(status), int64(id))
	if err != nil {
		return fmt.Errorf("failed to update path status: %w", err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id model.PathID) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("path %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLite) StorePathMetrics(ctx context.Context, id model.PathID, m model.PathMetrics) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO path_metrics (path_id, latency_ms, jitter_ms, packet_loss_pct, bandwidth_mbps, mtu, score, measured_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(id), m.LatencyMs, m.JitterMs, m.PacketLossPct, m.BandwidthMbps, m.MTU, int(m.Score), m.MeasuredAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store metrics for path %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) GetLatestMetrics(ctx context.Context, id model.PathID) (*model.PathMetrics, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT latency_ms, jitter_ms, packet_loss_pct, bandwidth_mbps, mtu, score, measured_at
	FROM path_metrics WHERE path_id = ?
	ORDER BY measured_at DESC, id DESC LIMIT 1`, int64(id))

	m, err := scanMetrics(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// MetricsHistory returns stored snapshots measured at or after since, oldest first.
func (s *SQLite) MetricsHistory(ctx context.Context, id model.PathID, since time.Time) ([]model.MetricsSample, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT latency_ms, jitter_ms, packet_loss_pct, bandwidth_mbps, mtu, score, measured_at
	FROM path_metrics WHERE path_id = ? AND measured_at >= ?
	ORDER BY measured_at, id`, int64(id), since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics history: %w", err)
	}
	defer rows.Close()

	var out []model.MetricsSample
	for rows.Next() {
		m, err := scanMetrics(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, model.MetricsSample{PathID: id, Metrics: m})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metrics: %w", err)
	}
	return out, nil
}

func scanMetrics(sc scanner) (model.PathMetrics, error) {
	var (
		m     model.PathMetrics
		score int
		ts    int64
	)
	if err := sc.Scan(&m.LatencyMs, &m.JitterMs, &m.PacketLossPct, &m.BandwidthMbps, &m.MTU, &score, &ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PathMetrics{}, err
		}
		return model.PathMetrics{}, fmt.Errorf("failed to scan metrics: %w", err)
	}
	m.Score = uint8(score)
	m.MeasuredAt = time.Unix(0, ts).UTC()
	return m, nil
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"liuproxy_harvester/internal/shared/logger"
	"liuproxy_harvester/proxypool/model"
)

// SQLiteExporter 把每次运行的结果追加到 results 表，以 run_id 区分。
type SQLiteExporter struct {
	db    *sql.DB
	runID string
}

func NewSQLiteExporter(path, runID string) (*SQLiteExporter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	e := &SQLiteExporter{db: db, runID: runID}
	if err := e.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return e, nil
}

func (e *SQLiteExporter) initSchema() error {
	_, err := e.db.Exec(`
	CREATE TABLE IF NOT EXISTS results (
		id INTEGER PRIMARY KEY,
		run_id TEXT NOT NULL,
		protocol TEXT NOT NULL,
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		username TEXT,
		password TEXT,
		latency_ms INTEGER,
		anonymity TEXT,
		exit_ip TEXT,
		country_code TEXT,
		country TEXT,
		region TEXT,
		city TEXT,
		asn INTEGER,
		as_org TEXT,
		checked_at DATETIME,
		UNIQUE(run_id, protocol, host, port, username, password)
	);
	CREATE INDEX IF NOT EXISTS idx_results_run ON results(run_id);
	`)
	if err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

func (e *SQLiteExporter) Name() string { return "sqlite" }

// RunID identifies the rows written by this exporter.
func (e *SQLiteExporter) RunID() string { return e.runID }

func (e *SQLiteExporter) Export(ctx context.Context, results []model.CheckResult) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin export: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT OR REPLACE INTO results
		(run_id, protocol, host, port, username, password, latency_ms, anonymity, exit_ip,
		 country_code, country, region, city, asn, as_org, checked_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare export: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		var geo model.GeoRecord
		if r.Geo != nil {
			geo = *r.Geo
		}
		checkedAt := r.CheckedAt
		if checkedAt.IsZero() {
			checkedAt = time.Now()
		}
		_, err := stmt.ExecContext(ctx,
			e.runID, string(r.Protocol), r.Endpoint.Host, int(r.Endpoint.Port),
			r.Endpoint.Username, r.Endpoint.Password,
			r.Latency.Milliseconds(), string(r.Anonymity), r.ExitIP,
			geo.CountryCode, geo.Country, geo.Region, geo.City, int64(geo.ASN), geo.ASOrg,
			checkedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert %s: %w", r.Endpoint, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit export: %w", err)
	}
	l := logger.WithComponent("ProxyPool/Storage")
	l.Info().Str("run_id", e.runID).Int("count", len(results)).Msg("Results written to sqlite.")
	return nil
}

func (e *SQLiteExporter) Close() error {
	if e.db != nil {
		return e.db.Close()
	}
	return nil
}

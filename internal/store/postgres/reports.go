package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"runplane/internal/store"
)

var _ store.ReportStore = (*Store)(nil)

func (s *Store) SaveReport(ctx context.Context, rec *store.SessionRecord) error {
	report, err := json.Marshal(rec.Report)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	query := `
		INSERT INTO session_reports (id, username, org, tags, script, report, stop_reason, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			report = EXCLUDED.report,
			stop_reason = EXCLUDED.stop_reason,
			finished_at = EXCLUDED.finished_at
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.User,
		rec.Org,
		pq.Array(rec.Tags),
		rec.Script,
		report,
		rec.StopReason,
		rec.StartedAt,
		rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("saving report %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) GetReport(ctx context.Context, org, id string) (*store.SessionRecord, error) {
	query := `
		SELECT id, username, org, tags, script, report, stop_reason, started_at, finished_at
		FROM session_reports
		WHERE id = $1 AND org = $2
	`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id, org))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) ListReports(ctx context.Context, org string, limit int) ([]store.SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, username, org, tags, script, report, stop_reason, started_at, finished_at
		FROM session_reports
		WHERE org = $1
		ORDER BY finished_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, org, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.SessionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*store.SessionRecord, error) {
	var (
		rec    store.SessionRecord
		report []byte
	)
	err := row.Scan(
		&rec.ID,
		&rec.User,
		&rec.Org,
		pq.Array(&rec.Tags),
		&rec.Script,
		&report,
		&rec.StopReason,
		&rec.StartedAt,
		&rec.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(report, &rec.Report); err != nil {
		return nil, fmt.Errorf("decoding report %s: %w", rec.ID, err)
	}
	return &rec, nil
}

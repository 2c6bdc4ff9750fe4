package reconciliation

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists records in reconciliation_records. The table
// rejects UPDATE and DELETE with a trigger.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed record store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, to_char(date, 'YYYY-MM-DD'), our_total, our_count,
		       external_total, external_count, amount_difference, count_difference,
		       status, threshold, created_at`

func (p *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reconciliation_records (
			id, date, our_total, our_count, external_total, external_count,
			amount_difference, count_difference, status, threshold, created_at
		) VALUES (
			$1, $2::DATE, $3::NUMERIC(14,2), $4, $5::NUMERIC(14,2), $6,
			$7::NUMERIC(14,2), $8, $9, $10::NUMERIC(14,2), $11
		)`,
		rec.ID, rec.Date, rec.OurTotal.StringFixed(2), rec.OurCount,
		rec.ExternalTotal.StringFixed(2), rec.ExternalCount,
		rec.AmountDifference.StringFixed(2), rec.CountDifference,
		string(rec.Status), rec.Threshold.StringFixed(2), rec.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return errDuplicateDate
	}
	return err
}

func (p *PostgresStore) GetByDate(ctx context.Context, date string) (*Record, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM reconciliation_records WHERE date = $1::DATE`, date)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM reconciliation_records
		ORDER BY date DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	rec := &Record{}
	var status string
	err := s.Scan(
		&rec.ID, &rec.Date, &rec.OurTotal, &rec.OurCount,
		&rec.ExternalTotal, &rec.ExternalCount, &rec.AmountDifference, &rec.CountDifference,
		&status, &rec.Threshold, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	return rec, nil
}

var _ Store = (*PostgresStore)(nil)

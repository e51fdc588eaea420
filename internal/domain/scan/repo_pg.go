package scan

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type scanRepoPG struct{ pool *pgxpool.Pool }

func NewScanRecordRepoPG(pool *pgxpool.Pool) ScanRecordRepository {
	return &scanRepoPG{pool: pool}
}

const recordCols = `id, user_id, file_path, result, expert_review, created_at, updated_at`

func scanRecordRow(row pgx.Row) (*ScanRecord, error) {
	var (
		rec        ScanRecord
		resultJSON []byte
		reviewJSON []byte
	)
	err := row.Scan(&rec.ID, &rec.UserID, &rec.FilePath, &resultJSON, &reviewJSON, &rec.CreatedAt, &rec.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(resultJSON) > 0 {
		rec.Result = &ScanResult{}
		if err := json.Unmarshal(resultJSON, rec.Result); err != nil {
			return nil, fmt.Errorf("decode result for record %s: %w", rec.ID, err)
		}
	}
	if len(reviewJSON) > 0 {
		rec.ExpertReview = &ExpertReview{}
		if err := json.Unmarshal(reviewJSON, rec.ExpertReview); err != nil {
			return nil, fmt.Errorf("decode review for record %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func (r *scanRepoPG) Create(ctx context.Context, rec *ScanRecord) error {
	rec.ID = uuid.New()
	resultJSON, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO scan_record (id, user_id, file_path, result)
		VALUES ($1, $2, $3, $4)`,
		rec.ID, rec.UserID, rec.FilePath, resultJSON)
	return err
}

func (r *scanRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ScanRecord, error) {
	return scanRecordRow(r.pool.QueryRow(ctx,
		`SELECT `+recordCols+` FROM scan_record WHERE id = $1`, id))
}

func (r *scanRepoPG) ListByUser(ctx context.Context, userID uuid.UUID) ([]*ScanRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+recordCols+`
		FROM scan_record
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*ScanRecord
	for rows.Next() {
		rec, err := scanRecordRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SetReview replaces the review wholesale. Passing nil clears it.
func (r *scanRepoPG) SetReview(ctx context.Context, id uuid.UUID, review *ExpertReview) error {
	var reviewJSON []byte
	if review != nil {
		var err error
		if reviewJSON, err = json.Marshal(review); err != nil {
			return fmt.Errorf("encode review: %w", err)
		}
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE scan_record SET expert_review = $2, updated_at = now()
		WHERE id = $1`, id, reviewJSON)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *scanRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM scan_record WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

package share

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const codeCols = `id, patient_id, token, pin_hash, scope, share_type, status,
	expires_at, max_uses, use_count,
	generated_by_id, generated_by_name, facility_id, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, code *ShareCode) error {
	code.ID = uuid.New()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO share_code (
			id, patient_id, token, pin_hash, scope, share_type, status,
			expires_at, max_uses, generated_by_id, generated_by_name, facility_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		code.ID, code.PatientID, code.Token, code.PINHash, code.Scope, code.ShareType, code.Status,
		code.ExpiresAt, code.MaxUses, code.GeneratedByID, code.GeneratedByName, code.FacilityID,
	)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*ShareCode, error) {
	return scanCode(r.pool.QueryRow(ctx, `SELECT `+codeCols+` FROM share_code WHERE id = $1`, id))
}

func (r *repoPG) GetByToken(ctx context.Context, token string) (*ShareCode, error) {
	return scanCode(r.pool.QueryRow(ctx, `SELECT `+codeCols+` FROM share_code WHERE token = $1`, token))
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*ShareCode, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM share_code`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+codeCols+` FROM share_code ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collectCodes(rows, total)
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*ShareCode, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM share_code WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+codeCols+` FROM share_code WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collectCodes(rows, total)
}

func (r *repoPG) Revoke(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE share_code SET status = $2, updated_at = NOW() WHERE id = $1`, id, StatusRevoked)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *repoPG) RecordAccess(ctx context.Context, entry *AccessLog, consumeUse bool) error {
	entry.ID = uuid.New()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO share_access_log (
			id, share_code_id, accessor_ip, user_agent, facility_id, success, failure_reason
		) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		entry.ID, entry.ShareCodeID, entry.AccessorIP, entry.UserAgent,
		entry.FacilityID, entry.Success, entry.FailureReason,
	); err != nil {
		return err
	}

	if consumeUse {
		// Guarded increment: two racing redemptions of a last-use code
		// must not both consume. The loser sees zero rows and the whole
		// attempt, audit row included, rolls back.
		tag, err := tx.Exec(ctx, `
			UPDATE share_code SET use_count = use_count + 1, updated_at = NOW()
			WHERE id = $1 AND (max_uses = 0 OR use_count < max_uses)`,
			entry.ShareCodeID,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrUsageLimit
		}
	}

	return tx.Commit(ctx)
}

func (r *repoPG) GetAccessLogs(ctx context.Context, codeID uuid.UUID) ([]*AccessLog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, share_code_id, accessed_at, accessor_ip, user_agent, facility_id, success, failure_reason
		FROM share_access_log WHERE share_code_id = $1 ORDER BY accessed_at DESC`, codeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*AccessLog
	for rows.Next() {
		var l AccessLog
		if err := rows.Scan(&l.ID, &l.ShareCodeID, &l.AccessedAt, &l.AccessorIP,
			&l.UserAgent, &l.FacilityID, &l.Success, &l.FailureReason); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

func scanCode(row pgx.Row) (*ShareCode, error) {
	var c ShareCode
	err := row.Scan(
		&c.ID, &c.PatientID, &c.Token, &c.PINHash, &c.Scope, &c.ShareType, &c.Status,
		&c.ExpiresAt, &c.MaxUses, &c.UseCount,
		&c.GeneratedByID, &c.GeneratedByName, &c.FacilityID, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func collectCodes(rows pgx.Rows, total int) ([]*ShareCode, int, error) {
	var codes []*ShareCode
	for rows.Next() {
		var c ShareCode
		err := rows.Scan(
			&c.ID, &c.PatientID, &c.Token, &c.PINHash, &c.Scope, &c.ShareType, &c.Status,
			&c.ExpiresAt, &c.MaxUses, &c.UseCount,
			&c.GeneratedByID, &c.GeneratedByName, &c.FacilityID, &c.CreatedAt, &c.UpdatedAt,
		)
		if err != nil {
			return nil, 0, err
		}
		codes = append(codes, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return codes, total, nil
}

// IsNotFound reports whether err is the driver's no-rows sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"thirdspace.org/internal/idempotency"
)

// Idempotency implements idempotency.Store on the idempotency_keys table.
type Idempotency struct {
	db *sql.DB
}

var _ idempotency.Store = (*Idempotency)(nil)

func (s *Idempotency) Insert(ctx context.Context, rec idempotency.Record) error {
	_, err := s.db.ExecContext(ctx, `
		insert into idempotency_keys (key, caller_id, method, path, request_hash, status, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, rec.Key, rec.CallerID, rec.Method, rec.Path, rec.RequestHash, string(rec.Status), rec.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return idempotency.ErrDuplicate
	}
	return err
}

func (s *Idempotency) Resolve(ctx context.Context, key, callerID string, fn idempotency.ResolveFunc) error {
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		var (
			rec        idempotency.Record
			status     string
			respStatus sql.NullInt64
			completed  sql.NullTime
		)
		err := tx.QueryRowContext(ctx, `
			select key, caller_id, method, path, request_hash, status,
				response_status, response_body, created_at, completed_at
			from idempotency_keys
			where key = $1 and caller_id = $2
			for update
		`, key, callerID).Scan(&rec.Key, &rec.CallerID, &rec.Method, &rec.Path, &rec.RequestHash, &status,
			&respStatus, &rec.ResponseBody, &rec.CreatedAt, &completed)
		if errors.Is(err, sql.ErrNoRows) {
			return idempotency.ErrNotFound
		}
		if err != nil {
			return err
		}
		rec.Status = idempotency.Status(status)
		rec.ResponseStatus = int(respStatus.Int64)
		rec.CompletedAt = timePtr(completed)

		write, err := fn(&rec)
		if err != nil || !write {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			update idempotency_keys
			set method = $3, path = $4, request_hash = $5, status = $6,
				response_status = $7, response_body = $8, created_at = $9, completed_at = $10
			where key = $1 and caller_id = $2
		`, key, callerID, rec.Method, rec.Path, rec.RequestHash, string(rec.Status),
			nullStatus(rec.ResponseStatus), rec.ResponseBody, rec.CreatedAt.UTC(), nullTime(rec.CompletedAt))
		return err
	})
}

func (s *Idempotency) Complete(ctx context.Context, key, callerID string, status int, body []byte, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update idempotency_keys
		set status = $3, response_status = $4, response_body = $5, completed_at = $6
		where key = $1 and caller_id = $2
	`, key, callerID, string(idempotency.StatusCompleted), status, body, at.UTC())
	if err != nil {
		return err
	}
	return requireAffected(res, idempotency.ErrNotFound)
}

func (s *Idempotency) Fail(ctx context.Context, key, callerID string) error {
	res, err := s.db.ExecContext(ctx,
		`update idempotency_keys set status = $3 where key = $1 and caller_id = $2`,
		key, callerID, string(idempotency.StatusFailed))
	if err != nil {
		return err
	}
	return requireAffected(res, idempotency.ErrNotFound)
}

func (s *Idempotency) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from idempotency_keys where created_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullStatus(code int) sql.NullInt64 {
	if code == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(code), Valid: true}
}

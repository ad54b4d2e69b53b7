package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"thirdspace.org/internal/auth"
)

const accountColumns = `id, handle, email, display_name, password_hash,
	failed_login_count, last_failed_login_at, locked_until, last_login_at, created_at`

func scanAccount(row scanner) (auth.Account, error) {
	var (
		acc                                auth.Account
		lastFailed, lockedUntil, lastLogin sql.NullTime
	)
	err := row.Scan(&acc.ID, &acc.Handle, &acc.Email, &acc.DisplayName, &acc.PasswordHash,
		&acc.FailedCount, &lastFailed, &lockedUntil, &lastLogin, &acc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Account{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Account{}, err
	}
	acc.LastFailedAt = timePtr(lastFailed)
	acc.LockedUntil = timePtr(lockedUntil)
	acc.LastSuccessAt = timePtr(lastLogin)
	return acc, nil
}

func (s *Store) Register(ctx context.Context, acc *auth.Account, grants []auth.RoleGrant, cred *auth.Credential) error {
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			insert into users (id, handle, email, display_name, password_hash, created_at)
			values ($1, $2, $3, $4, $5, $6)
		`, acc.ID, acc.Handle, acc.Email, acc.DisplayName, acc.PasswordHash, acc.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return auth.ErrAlreadyExists
			}
			return err
		}
		for _, g := range grants {
			if err := insertGrant(ctx, tx, g); err != nil {
				return err
			}
		}
		return insertCredential(ctx, tx, cred)
	})
}

func (s *Store) FindAccount(ctx context.Context, id string) (auth.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from users where id = $1`, id))
}

func (s *Store) FindAccountByHandle(ctx context.Context, handle string) (auth.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from users where handle = $1`, handle))
}

func (s *Store) FindAccountByLogin(ctx context.Context, identifier string) (auth.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `
		select `+accountColumns+`
		from users
		where handle = $1 or lower(email) = lower($1)
		order by (handle = $1) desc
		limit 1
	`, identifier))
}

func (s *Store) UpdateLoginState(ctx context.Context, accountID string, fn auth.LoginStateFunc) error {
	var fnErr error
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		acc, err := scanAccount(tx.QueryRowContext(ctx,
			`select `+accountColumns+` from users where id = $1 for update`, accountID))
		if err != nil {
			return err
		}
		fnErr = fn(&acc)
		_, err = tx.ExecContext(ctx, `
			update users
			set failed_login_count = $2, last_failed_login_at = $3, locked_until = $4, last_login_at = $5
			where id = $1
		`, accountID, acc.FailedCount, nullTime(acc.LastFailedAt), nullTime(acc.LockedUntil), nullTime(acc.LastSuccessAt))
		return err
	})
	if err != nil {
		return err
	}
	return fnErr
}

// --- roles ---

func insertGrant(ctx context.Context, tx *sql.Tx, g auth.RoleGrant) error {
	_, err := tx.ExecContext(ctx, `
		insert into user_roles (user_id, role, granted_by, granted_at)
		values ($1, $2, nullif($3, ''), $4)
		on conflict (user_id, role) do nothing
	`, g.AccountID, g.Role, g.GrantedBy, g.GrantedAt)
	return err
}

func (s *Store) Roles(ctx context.Context, accountID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`select role from user_roles where user_id = $1 order by role`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *Store) ReplaceRoles(ctx context.Context, accountID string, grants []auth.RoleGrant) error {
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		var one int
		if err := tx.QueryRowContext(ctx, `select 1 from users where id = $1 for update`, accountID).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return auth.ErrNotFound
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `delete from user_roles where user_id = $1`, accountID); err != nil {
			return err
		}
		for _, g := range grants {
			if err := insertGrant(ctx, tx, g); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- credentials ---

const credentialColumns = `id, user_id, key_hash, key_prefix, name, scopes,
	created_at, last_used_at, expires_at, revoked_at`

func scanCredential(row scanner) (auth.Credential, error) {
	var (
		c                          auth.Credential
		rawScopes                  []byte
		lastUsed, expires, revoked sql.NullTime
	)
	err := row.Scan(&c.ID, &c.AccountID, &c.Digest, &c.Prefix, &c.Name, &rawScopes,
		&c.CreatedAt, &lastUsed, &expires, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Credential{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Credential{}, err
	}
	if len(rawScopes) > 0 {
		if err := json.Unmarshal(rawScopes, &c.Scopes); err != nil {
			return auth.Credential{}, fmt.Errorf("decode scopes: %w", err)
		}
	}
	c.LastUsedAt = timePtr(lastUsed)
	c.ExpiresAt = timePtr(expires)
	c.RevokedAt = timePtr(revoked)
	return c, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertCredential(ctx context.Context, db execer, c *auth.Credential) error {
	scopes, err := json.Marshal(c.Scopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		insert into api_keys (id, user_id, key_hash, key_prefix, name, scopes, created_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ID, c.AccountID, c.Digest, c.Prefix, c.Name, scopes, c.CreatedAt, nullTime(c.ExpiresAt))
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return auth.ErrAlreadyExists
		case pgErrForeignKeyViolation:
			return auth.ErrNotFound
		}
	}
	return err
}

func (s *Store) CreateCredential(ctx context.Context, cred *auth.Credential) error {
	return insertCredential(ctx, s.db, cred)
}

func (s *Store) FindCredentialByDigest(ctx context.Context, digest string) (auth.Credential, error) {
	return scanCredential(s.db.QueryRowContext(ctx,
		`select `+credentialColumns+` from api_keys where key_hash = $1 and revoked_at is null`, digest))
}

func (s *Store) ListCredentials(ctx context.Context, accountID string) ([]auth.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+credentialColumns+`
		from api_keys
		where user_id = $1 and revoked_at is null
		order by created_at desc, id desc
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []auth.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (s *Store) RevokeCredential(ctx context.Context, accountID, credentialID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update api_keys set revoked_at = $3
		where id = $1 and user_id = $2 and revoked_at is null
	`, credentialID, accountID, at.UTC())
	if err != nil {
		return err
	}
	return requireAffected(res, auth.ErrNotFound)
}

func (s *Store) RevokeAllCredentials(ctx context.Context, accountID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`update api_keys set revoked_at = $2 where user_id = $1 and revoked_at is null`, accountID, at.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) TouchCredential(ctx context.Context, credentialID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update api_keys set last_used_at = $2 where id = $1`, credentialID, at.UTC())
	if err != nil {
		return err
	}
	return requireAffected(res, auth.ErrNotFound)
}

func requireAffected(res sql.Result, notFound error) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return notFound
	}
	return nil
}

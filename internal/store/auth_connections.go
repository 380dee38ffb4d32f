package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/aionixone/openact/internal/domain"
	"github.com/aionixone/openact/internal/openacterr"
)

// authConnectionRow is the sqlx StructScan target for auth_connections.
type authConnectionRow struct {
	TRN                      string         `db:"trn"`
	Tenant                   string         `db:"tenant"`
	Provider                 string         `db:"provider"`
	UserID                   string         `db:"user_id"`
	AccessTokenCiphertext    []byte         `db:"access_token_ciphertext"`
	AccessTokenNonce         []byte         `db:"access_token_nonce"`
	RefreshTokenCiphertext   []byte         `db:"refresh_token_ciphertext"`
	RefreshTokenNonce        []byte         `db:"refresh_token_nonce"`
	ExtraDataCiphertext      []byte         `db:"extra_data_ciphertext"`
	ExtraDataNonce           []byte         `db:"extra_data_nonce"`
	TokenType                string         `db:"token_type"`
	ExpiresAt                sql.NullTime   `db:"expires_at"`
	Scope                    sql.NullString `db:"scope"`
	KeyVersion               uint32         `db:"key_version"`
	RevokedAt                sql.NullTime   `db:"revoked_at"`
	CreatedAt                time.Time      `db:"created_at"`
	UpdatedAt                time.Time      `db:"updated_at"`
	Version                  int            `db:"version"`
}

// authSecrets bundles the three independently-sealed secret fields an
// AuthConnection carries: access token (required), refresh token and
// extra data (both optional).
type authSecrets struct {
	accessCiphertext, accessNonce   []byte
	refreshCiphertext, refreshNonce []byte
	extraCiphertext, extraNonce     []byte
	keyVersion                      uint32
}

func (s *Store) sealAuthConnection(trn string, auth *domain.AuthConnection) (authSecrets, error) {
	const op = "store.sealAuthConnection"
	if s.vault == nil {
		return authSecrets{}, openacterr.New(openacterr.KindCrypto, op, "store has no vault attached")
	}
	aad := []byte(trn)

	accessSealed, err := s.vault.Encrypt([]byte(auth.AccessToken), aad)
	if err != nil {
		return authSecrets{}, err
	}
	out := authSecrets{
		accessCiphertext: accessSealed.Ciphertext,
		accessNonce:      accessSealed.Nonce,
		keyVersion:       accessSealed.KeyVersion,
	}

	if auth.RefreshToken != "" {
		refreshSealed, err := s.vault.Encrypt([]byte(auth.RefreshToken), aad)
		if err != nil {
			return authSecrets{}, err
		}
		out.refreshCiphertext = refreshSealed.Ciphertext
		out.refreshNonce = refreshSealed.Nonce
	}

	if len(auth.ExtraData) > 0 {
		extraJSON, err := json.Marshal(auth.ExtraData)
		if err != nil {
			return authSecrets{}, openacterr.Wrap(openacterr.KindInternal, op, "failed to marshal extra_data", err)
		}
		extraSealed, err := s.vault.Encrypt(extraJSON, aad)
		if err != nil {
			return authSecrets{}, err
		}
		out.extraCiphertext = extraSealed.Ciphertext
		out.extraNonce = extraSealed.Nonce
	}

	return out, nil
}

// UpsertAuthConnection inserts auth (auth.Version == 0) or updates it
// requiring the caller's auth.Version to match the currently stored row.
// Every mutation is recorded in auth_connection_history within the same
// transaction.
func (s *Store) UpsertAuthConnection(ctx context.Context, tenant string, auth *domain.AuthConnection) (*domain.AuthConnection, error) {
	const op = "store.UpsertAuthConnection"
	start := time.Now()

	secrets, err := s.sealAuthConnection(auth.TRN, auth)
	if err != nil {
		return nil, err
	}

	var expiresAt sql.NullTime
	if auth.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: *auth.ExpiresAt, Valid: true}
	}
	var scope sql.NullString
	if auth.Scope != "" {
		scope = sql.NullString{String: auth.Scope, Valid: true}
	}

	now := time.Now().UTC()
	historyOp := domain.HistoryUpdate

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if auth.Version == 0 {
		historyOp = domain.HistoryCreate
		_, err = tx.ExecContext(ctx, `
			INSERT INTO auth_connections (
				trn, tenant, provider, user_id, access_token_ciphertext, access_token_nonce,
				refresh_token_ciphertext, refresh_token_nonce, extra_data_ciphertext, extra_data_nonce,
				token_type, expires_at, scope, key_version, created_at, updated_at, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			auth.TRN, tenant, auth.Provider, auth.UserID, secrets.accessCiphertext, secrets.accessNonce,
			nullableBytes(secrets.refreshCiphertext), nullableBytes(secrets.refreshNonce),
			nullableBytes(secrets.extraCiphertext), nullableBytes(secrets.extraNonce),
			auth.TokenType, expiresAt, scope, secrets.keyVersion, now, now)
		if err != nil {
			return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to insert auth_connection", err)
		}
		auth.Version = 1
	} else {
		res, err := tx.ExecContext(ctx, `
			UPDATE auth_connections SET
				provider = ?, user_id = ?, access_token_ciphertext = ?, access_token_nonce = ?,
				refresh_token_ciphertext = ?, refresh_token_nonce = ?, extra_data_ciphertext = ?,
				extra_data_nonce = ?, token_type = ?, expires_at = ?, scope = ?, key_version = ?,
				updated_at = ?, version = version + 1
			WHERE trn = ? AND tenant = ? AND version = ?`,
			auth.Provider, auth.UserID, secrets.accessCiphertext, secrets.accessNonce,
			nullableBytes(secrets.refreshCiphertext), nullableBytes(secrets.refreshNonce),
			nullableBytes(secrets.extraCiphertext), nullableBytes(secrets.extraNonce),
			auth.TokenType, expiresAt, scope, secrets.keyVersion, now, auth.TRN, tenant, auth.Version)
		if err != nil {
			return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to update auth_connection", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to read rows affected", err)
		}
		if n == 0 {
			// Checked on tx: the pool holds one connection and tx owns it.
			var exists int
			if err := tx.GetContext(ctx, &exists, `SELECT COUNT(*) FROM auth_connections WHERE trn = ?`, auth.TRN); err != nil {
				return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to query auth_connection", err)
			}
			if exists == 0 {
				return nil, openacterr.New(openacterr.KindNotFound, op, "auth_connection not found").WithDetails(map[string]any{"trn": auth.TRN})
			}
			return nil, openacterr.New(openacterr.KindVersionConflict, op, "auth_connection version mismatch").WithDetails(map[string]any{"trn": auth.TRN})
		}
		auth.Version++
	}

	if err := insertHistory(ctx, tx, auth.TRN, historyOp, nil, nil, secrets.accessCiphertext, secrets.accessNonce, ""); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to commit transaction", err)
	}
	s.recordQuery("upsert", "auth_connections", start, nil)

	auth.KeyVersion = secrets.keyVersion
	auth.UpdatedAt = now
	if auth.CreatedAt.IsZero() {
		auth.CreatedAt = now
	}
	return auth, nil
}

// insertHistory appends an audit row. oldData/newData are stored as the raw
// sealed ciphertext/nonce already computed for the live row rather than
// re-encrypting, avoiding a second nonce for the same plaintext.
func insertHistory(ctx context.Context, tx *sqlx.Tx, trn string, operation domain.HistoryOperation, oldCiphertext, oldNonce, newCiphertext, newNonce []byte, reason string) error {
	const op = "store.insertHistory"
	_, err := tx.ExecContext(ctx, `
		INSERT INTO auth_connection_history (
			trn, operation, old_data_encrypted, old_data_nonce, new_data_encrypted, new_data_nonce, reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		trn, string(operation), nullableBytes(oldCiphertext), nullableBytes(oldNonce),
		nullableBytes(newCiphertext), nullableBytes(newNonce), nullableString(reason), time.Now().UTC())
	if err != nil {
		return openacterr.Wrap(openacterr.KindInternal, op, "failed to insert history row", err)
	}
	return nil
}

// GetAuthConnection loads an AuthConnection by TRN, decrypting its secrets.
func (s *Store) GetAuthConnection(ctx context.Context, trn string) (*domain.AuthConnection, error) {
	const op = "store.GetAuthConnection"
	start := time.Now()
	var row authConnectionRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM auth_connections WHERE trn = ?`, trn)
	s.recordQuery("select", "auth_connections", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, openacterr.New(openacterr.KindNotFound, op, "auth_connection not found").WithDetails(map[string]any{"trn": trn})
	}
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to query auth_connection", err)
	}
	return s.authConnectionFromRow(&row)
}

func (s *Store) authConnectionFromRow(row *authConnectionRow) (*domain.AuthConnection, error) {
	const op = "store.authConnectionFromRow"
	if s.vault == nil {
		return nil, openacterr.New(openacterr.KindCrypto, op, "store has no vault attached")
	}
	aad := []byte(row.TRN)

	accessPlain, err := s.vault.Decrypt(sealedOf(row.AccessTokenCiphertext, row.AccessTokenNonce, row.KeyVersion), aad)
	if err != nil {
		return nil, err
	}

	auth := &domain.AuthConnection{
		TRN:         row.TRN,
		Tenant:      row.Tenant,
		Provider:    row.Provider,
		UserID:      row.UserID,
		AccessToken: string(accessPlain),
		TokenType:   row.TokenType,
		Scope:       row.Scope.String,
		KeyVersion:  row.KeyVersion,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
		Version:     row.Version,
	}
	if row.ExpiresAt.Valid {
		t := row.ExpiresAt.Time
		auth.ExpiresAt = &t
	}

	if len(row.RefreshTokenCiphertext) > 0 {
		refreshPlain, err := s.vault.Decrypt(sealedOf(row.RefreshTokenCiphertext, row.RefreshTokenNonce, row.KeyVersion), aad)
		if err != nil {
			return nil, err
		}
		auth.RefreshToken = string(refreshPlain)
	}

	if len(row.ExtraDataCiphertext) > 0 {
		extraPlain, err := s.vault.Decrypt(sealedOf(row.ExtraDataCiphertext, row.ExtraDataNonce, row.KeyVersion), aad)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(extraPlain, &auth.ExtraData); err != nil {
			return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to unmarshal extra_data", err)
		}
	}

	return auth, nil
}

// ListAuthConnectionsByProvider returns AuthConnections for tenant+provider
// (backed by the composite index on (tenant, provider)).
func (s *Store) ListAuthConnectionsByProvider(ctx context.Context, tenant, provider string, offset, limit int) ([]*domain.AuthConnection, error) {
	const op = "store.ListAuthConnectionsByProvider"
	start := time.Now()
	limit = normalizePagination(limit)

	var rows []authConnectionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM auth_connections WHERE tenant = ? AND provider = ? ORDER BY tenant, trn LIMIT ? OFFSET ?`,
		tenant, provider, limit, offset)
	s.recordQuery("select", "auth_connections", start, err)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to list auth_connections", err)
	}
	out := make([]*domain.AuthConnection, 0, len(rows))
	for i := range rows {
		auth, err := s.authConnectionFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, auth)
	}
	return out, nil
}

// DeleteAuthConnection removes an AuthConnection by TRN, writing a Delete
// history row before the live row is removed; deletion is audited, not
// silent. Both happen in one transaction or not at all.
func (s *Store) DeleteAuthConnection(ctx context.Context, trn, reason string) error {
	const op = "store.DeleteAuthConnection"
	start := time.Now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return openacterr.Wrap(openacterr.KindInternal, op, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	var row authConnectionRow
	err = tx.GetContext(ctx, &row, `SELECT * FROM auth_connections WHERE trn = ?`, trn)
	if errors.Is(err, sql.ErrNoRows) {
		return openacterr.New(openacterr.KindNotFound, op, "auth_connection not found").WithDetails(map[string]any{"trn": trn})
	}
	if err != nil {
		return openacterr.Wrap(openacterr.KindInternal, op, "failed to query auth_connection", err)
	}

	if err := insertHistory(ctx, tx, trn, domain.HistoryDelete, row.AccessTokenCiphertext, row.AccessTokenNonce, nil, nil, reason); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM auth_connections WHERE trn = ?`, trn)
	if err != nil {
		return openacterr.Wrap(openacterr.KindInternal, op, "failed to delete auth_connection", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return openacterr.Wrap(openacterr.KindInternal, op, "failed to read rows affected", err)
	}
	if n == 0 {
		return openacterr.New(openacterr.KindNotFound, op, "auth_connection not found").WithDetails(map[string]any{"trn": trn})
	}

	if err := tx.Commit(); err != nil {
		return openacterr.Wrap(openacterr.KindInternal, op, "failed to commit transaction", err)
	}
	s.recordQuery("delete", "auth_connections", start, nil)
	return nil
}

// RevokeAuthConnection marks an AuthConnection revoked without deleting it,
// distinguishing a revoked credential from one merely expired.
func (s *Store) RevokeAuthConnection(ctx context.Context, trn string) error {
	const op = "store.RevokeAuthConnection"
	start := time.Now()
	res, err := s.db.ExecContext(ctx, `UPDATE auth_connections SET revoked_at = ?, updated_at = ? WHERE trn = ? AND revoked_at IS NULL`,
		time.Now().UTC(), time.Now().UTC(), trn)
	s.recordQuery("update", "auth_connections", start, err)
	if err != nil {
		return openacterr.Wrap(openacterr.KindInternal, op, "failed to revoke auth_connection", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return openacterr.Wrap(openacterr.KindInternal, op, "failed to read rows affected", err)
	}
	if n == 0 {
		return openacterr.New(openacterr.KindNotFound, op, "auth_connection not found or already revoked").WithDetails(map[string]any{"trn": trn})
	}
	return nil
}

// ListRevokedAuthConnections returns the TRNs of auth_connections revoked
// at or before the cutoff, oldest first, for the cleanup sweeper to purge
// one by one through DeleteAuthConnection so each purge leaves its history
// row.
func (s *Store) ListRevokedAuthConnections(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	const op = "store.ListRevokedAuthConnections"
	start := time.Now()
	limit = normalizePagination(limit)
	var trns []string
	err := s.db.SelectContext(ctx, &trns,
		`SELECT trn FROM auth_connections WHERE revoked_at IS NOT NULL AND revoked_at <= ? ORDER BY revoked_at ASC LIMIT ?`,
		cutoff.UTC(), limit)
	s.recordQuery("select", "auth_connections", start, err)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to list revoked auth_connections", err)
	}
	return trns, nil
}

// ListAuthConnectionHistory returns the audit trail for trn, newest first.
func (s *Store) ListAuthConnectionHistory(ctx context.Context, trn string, limit int) ([]*domain.AuthConnectionHistory, error) {
	const op = "store.ListAuthConnectionHistory"
	start := time.Now()
	limit = normalizePagination(limit)

	type historyRow struct {
		ID        int64          `db:"id"`
		TRN       string         `db:"trn"`
		Operation string         `db:"operation"`
		Reason    sql.NullString `db:"reason"`
		CreatedAt time.Time      `db:"created_at"`
	}
	var rows []historyRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, trn, operation, reason, created_at
		FROM auth_connection_history WHERE trn = ? ORDER BY id DESC LIMIT ?`, trn, limit)
	s.recordQuery("select", "auth_connection_history", start, err)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to list history", err)
	}
	out := make([]*domain.AuthConnectionHistory, 0, len(rows))
	for _, r := range rows {
		out = append(out, &domain.AuthConnectionHistory{
			ID:        r.ID,
			TRN:       r.TRN,
			Operation: domain.HistoryOperation(r.Operation),
			Reason:    r.Reason.String,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

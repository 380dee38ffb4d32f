package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/aionixone/openact/internal/domain"
	"github.com/aionixone/openact/internal/openacterr"
)

// connectionRow is the sqlx StructScan target for the connections table.
type connectionRow struct {
	TRN                      string         `db:"trn"`
	Tenant                   string         `db:"tenant"`
	Name                     string         `db:"name"`
	AuthorizationType        string         `db:"authorization_type"`
	AuthParametersCiphertext []byte         `db:"auth_parameters_ciphertext"`
	AuthParametersNonce      []byte         `db:"auth_parameters_nonce"`
	AuthRef                  sql.NullString `db:"auth_ref"`
	DefaultHeadersJSON       sql.NullString `db:"default_headers_json"`
	DefaultQueryJSON         sql.NullString `db:"default_query_json"`
	DefaultBodyJSON          sql.NullString `db:"default_body_json"`
	TimeoutConfigJSON        sql.NullString `db:"timeout_config_json"`
	NetworkConfigJSON        sql.NullString `db:"network_config_json"`
	HTTPPolicyJSON           sql.NullString `db:"http_policy_json"`
	RetryPolicyJSON          sql.NullString `db:"retry_policy_json"`
	KeyVersion               uint32         `db:"key_version"`
	CreatedAt                time.Time      `db:"created_at"`
	UpdatedAt                time.Time      `db:"updated_at"`
	Version                  int            `db:"version"`
}

// UpsertConnection inserts conn (when conn.Version == 0) or updates it
// requiring the caller's conn.Version to match the currently stored row
// (optimistic concurrency). The returned Connection
// carries the new version and timestamps.
func (s *Store) UpsertConnection(ctx context.Context, tenant string, conn *domain.Connection) (*domain.Connection, error) {
	const op = "store.UpsertConnection"
	start := time.Now()

	authJSON, err := json.Marshal(conn.AuthParameters)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to marshal auth_parameters", err)
	}
	if s.vault == nil {
		return nil, openacterr.New(openacterr.KindCrypto, op, "store has no vault attached")
	}
	sealed, err := s.vault.Encrypt(authJSON, []byte(conn.TRN))
	if err != nil {
		return nil, err
	}

	headers, err := marshalNullable(conn.DefaultHeaders)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to marshal default_headers", err)
	}
	query, err := marshalNullable(conn.DefaultQueryParams)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to marshal default_query_params", err)
	}
	body, err := marshalNullable(conn.DefaultBody)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to marshal default_body", err)
	}
	timeoutCfg, err := marshalNullable(conn.TimeoutConfig)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to marshal timeout_config", err)
	}
	networkCfg, err := marshalNullable(conn.NetworkConfig)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to marshal network_config", err)
	}
	httpPolicy, err := marshalNullable(conn.HTTPPolicy)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to marshal http_policy", err)
	}
	retryPolicy, err := marshalNullable(conn.RetryPolicy)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to marshal retry_policy", err)
	}

	now := time.Now().UTC()
	var authRef sql.NullString
	if conn.AuthRef != "" {
		authRef = sql.NullString{String: conn.AuthRef, Valid: true}
	}

	if conn.Version == 0 {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO connections (
				trn, tenant, name, authorization_type, auth_parameters_ciphertext,
				auth_parameters_nonce, auth_ref, default_headers_json, default_query_json,
				default_body_json, timeout_config_json, network_config_json,
				http_policy_json, retry_policy_json, key_version, created_at, updated_at, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			conn.TRN, tenant, conn.Name, string(conn.AuthorizationType), sealed.Ciphertext,
			sealed.Nonce, authRef, headers, query, body, timeoutCfg, networkCfg,
			httpPolicy, retryPolicy, sealed.KeyVersion, now, now)
		s.recordQuery("insert", "connections", start, err)
		if err != nil {
			return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to insert connection", err)
		}
		conn.Version = 1
	} else {
		res, err := s.db.ExecContext(ctx, `
			UPDATE connections SET
				name = ?, authorization_type = ?, auth_parameters_ciphertext = ?,
				auth_parameters_nonce = ?, auth_ref = ?, default_headers_json = ?,
				default_query_json = ?, default_body_json = ?, timeout_config_json = ?,
				network_config_json = ?, http_policy_json = ?, retry_policy_json = ?,
				key_version = ?, updated_at = ?, version = version + 1
			WHERE trn = ? AND tenant = ? AND version = ?`,
			conn.Name, string(conn.AuthorizationType), sealed.Ciphertext, sealed.Nonce,
			authRef, headers, query, body, timeoutCfg, networkCfg, httpPolicy,
			retryPolicy, sealed.KeyVersion, now, conn.TRN, tenant, conn.Version)
		s.recordQuery("update", "connections", start, err)
		if err != nil {
			return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to update connection", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to read rows affected", err)
		}
		if n == 0 {
			if _, getErr := s.GetConnection(ctx, conn.TRN); getErr != nil {
				return nil, getErr
			}
			return nil, openacterr.New(openacterr.KindVersionConflict, op, "connection version mismatch").WithDetails(map[string]any{"trn": conn.TRN})
		}
		conn.Version++
	}
	conn.KeyVersion = sealed.KeyVersion
	conn.UpdatedAt = now
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	return conn, nil
}

// GetConnection loads a Connection by TRN, decrypting its auth parameters.
func (s *Store) GetConnection(ctx context.Context, trn string) (*domain.Connection, error) {
	const op = "store.GetConnection"
	start := time.Now()

	var row connectionRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM connections WHERE trn = ?`, trn)
	s.recordQuery("select", "connections", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, openacterr.New(openacterr.KindNotFound, op, "connection not found").WithDetails(map[string]any{"trn": trn})
	}
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to query connection", err)
	}
	return s.connectionFromRow(&row)
}

func (s *Store) connectionFromRow(row *connectionRow) (*domain.Connection, error) {
	const op = "store.connectionFromRow"
	if s.vault == nil {
		return nil, openacterr.New(openacterr.KindCrypto, op, "store has no vault attached")
	}
	plaintext, err := s.vault.Decrypt(sealedOf(row.AuthParametersCiphertext, row.AuthParametersNonce, row.KeyVersion), []byte(row.TRN))
	if err != nil {
		return nil, err
	}
	var authParams domain.AuthParameters
	if err := json.Unmarshal(plaintext, &authParams); err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to unmarshal auth_parameters", err)
	}

	conn := &domain.Connection{
		TRN:               row.TRN,
		Name:              row.Name,
		AuthorizationType: domain.AuthorizationType(row.AuthorizationType),
		AuthParameters:    authParams,
		AuthRef:           row.AuthRef.String,
		KeyVersion:        row.KeyVersion,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
		Version:           row.Version,
	}
	if err := unmarshalNullable(row.DefaultHeadersJSON, &conn.DefaultHeaders); err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to unmarshal default_headers", err)
	}
	if err := unmarshalNullable(row.DefaultQueryJSON, &conn.DefaultQueryParams); err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to unmarshal default_query_params", err)
	}
	if row.DefaultBodyJSON.Valid {
		if err := unmarshalNullable(row.DefaultBodyJSON, &conn.DefaultBody); err != nil {
			return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to unmarshal default_body", err)
		}
	}
	if row.TimeoutConfigJSON.Valid {
		conn.TimeoutConfig = &domain.TimeoutConfig{}
		if err := unmarshalNullable(row.TimeoutConfigJSON, conn.TimeoutConfig); err != nil {
			return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to unmarshal timeout_config", err)
		}
	}
	if row.NetworkConfigJSON.Valid {
		conn.NetworkConfig = &domain.NetworkConfig{}
		if err := unmarshalNullable(row.NetworkConfigJSON, conn.NetworkConfig); err != nil {
			return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to unmarshal network_config", err)
		}
	}
	if row.HTTPPolicyJSON.Valid {
		conn.HTTPPolicy = &domain.HTTPPolicy{}
		if err := unmarshalNullable(row.HTTPPolicyJSON, conn.HTTPPolicy); err != nil {
			return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to unmarshal http_policy", err)
		}
	}
	if row.RetryPolicyJSON.Valid {
		conn.RetryPolicy = &domain.RetryPolicy{}
		if err := unmarshalNullable(row.RetryPolicyJSON, conn.RetryPolicy); err != nil {
			return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to unmarshal retry_policy", err)
		}
	}
	return conn, nil
}

// ListConnections returns Connections for tenant ordered by (tenant, trn)
// ascending, paginated with the package defaults.
func (s *Store) ListConnections(ctx context.Context, tenant string, offset, limit int) ([]*domain.Connection, error) {
	const op = "store.ListConnections"
	start := time.Now()
	limit = normalizePagination(limit)

	var rows []connectionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM connections WHERE tenant = ? ORDER BY tenant, trn LIMIT ? OFFSET ?`,
		tenant, limit, offset)
	s.recordQuery("select", "connections", start, err)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to list connections", err)
	}

	out := make([]*domain.Connection, 0, len(rows))
	for i := range rows {
		conn, err := s.connectionFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	return out, nil
}

// DeleteConnection removes a Connection by TRN. Dependent Tasks cascade via
// the `ON DELETE CASCADE` foreign key.
func (s *Store) DeleteConnection(ctx context.Context, trn string) error {
	const op = "store.DeleteConnection"
	start := time.Now()
	res, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE trn = ?`, trn)
	s.recordQuery("delete", "connections", start, err)
	if err != nil {
		return openacterr.Wrap(openacterr.KindInternal, op, "failed to delete connection", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return openacterr.Wrap(openacterr.KindInternal, op, "failed to read rows affected", err)
	}
	if n == 0 {
		return openacterr.New(openacterr.KindNotFound, op, "connection not found").WithDetails(map[string]any{"trn": trn})
	}
	return nil
}

func marshalNullable(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	switch t := v.(type) {
	case domain.ValuesMap:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(b) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalNullable(s sql.NullString, dst any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dst)
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/aionixone/openact/internal/domain"
	"github.com/aionixone/openact/internal/openacterr"
)

type taskRow struct {
	TRN                string         `db:"trn"`
	Tenant             string         `db:"tenant"`
	Name               string         `db:"name"`
	ConnectionTRN      string         `db:"connection_trn"`
	APIEndpoint        string         `db:"api_endpoint"`
	Method             string         `db:"method"`
	HeadersJSON        sql.NullString `db:"headers_json"`
	QueryParamsJSON    sql.NullString `db:"query_params_json"`
	RequestBodyJSON    sql.NullString `db:"request_body_json"`
	TimeoutConfigJSON  sql.NullString `db:"timeout_config_json"`
	NetworkConfigJSON  sql.NullString `db:"network_config_json"`
	HTTPPolicyJSON     sql.NullString `db:"http_policy_json"`
	ResponsePolicyJSON sql.NullString `db:"response_policy_json"`
	RetryPolicyJSON    sql.NullString `db:"retry_policy_json"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
	Version            int            `db:"version"`
}

// UpsertTask inserts task (task.Version == 0) or updates it requiring the
// caller's task.Version to match the currently stored row.
func (s *Store) UpsertTask(ctx context.Context, tenant string, task *domain.Task) (*domain.Task, error) {
	const op = "store.UpsertTask"
	start := time.Now()

	headers, err := marshalNullable(task.Headers)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to marshal headers", err)
	}
	query, err := marshalNullable(task.QueryParams)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to marshal query_params", err)
	}
	body, err := marshalNullable(task.RequestBody)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to marshal request_body", err)
	}
	timeoutCfg, err := marshalNullable(task.TimeoutConfig)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to marshal timeout_config", err)
	}
	networkCfg, err := marshalNullable(task.NetworkConfig)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to marshal network_config", err)
	}
	httpPolicy, err := marshalNullable(task.HTTPPolicy)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to marshal http_policy", err)
	}
	responsePolicy, err := marshalNullable(task.ResponsePolicy)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to marshal response_policy", err)
	}
	retryPolicy, err := marshalNullable(task.RetryPolicy)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to marshal retry_policy", err)
	}

	now := time.Now().UTC()
	if task.Version == 0 {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO tasks (
				trn, tenant, name, connection_trn, api_endpoint, method, headers_json,
				query_params_json, request_body_json, timeout_config_json, network_config_json,
				http_policy_json, response_policy_json, retry_policy_json, created_at, updated_at, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			task.TRN, tenant, task.Name, task.ConnectionTRN, task.APIEndpoint, string(task.Method),
			headers, query, body, timeoutCfg, networkCfg, httpPolicy, responsePolicy, retryPolicy, now, now)
		s.recordQuery("insert", "tasks", start, err)
		if err != nil {
			return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to insert task", err)
		}
		task.Version = 1
	} else {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET
				name = ?, connection_trn = ?, api_endpoint = ?, method = ?, headers_json = ?,
				query_params_json = ?, request_body_json = ?, timeout_config_json = ?,
				network_config_json = ?, http_policy_json = ?, response_policy_json = ?,
				retry_policy_json = ?, updated_at = ?, version = version + 1
			WHERE trn = ? AND tenant = ? AND version = ?`,
			task.Name, task.ConnectionTRN, task.APIEndpoint, string(task.Method), headers, query,
			body, timeoutCfg, networkCfg, httpPolicy, responsePolicy, retryPolicy, now,
			task.TRN, tenant, task.Version)
		s.recordQuery("update", "tasks", start, err)
		if err != nil {
			return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to update task", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to read rows affected", err)
		}
		if n == 0 {
			if _, getErr := s.GetTask(ctx, task.TRN); getErr != nil {
				return nil, getErr
			}
			return nil, openacterr.New(openacterr.KindVersionConflict, op, "task version mismatch").WithDetails(map[string]any{"trn": task.TRN})
		}
		task.Version++
	}
	task.UpdatedAt = now
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	return task, nil
}

// GetTask loads a Task by TRN.
func (s *Store) GetTask(ctx context.Context, trn string) (*domain.Task, error) {
	const op = "store.GetTask"
	start := time.Now()
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM tasks WHERE trn = ?`, trn)
	s.recordQuery("select", "tasks", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, openacterr.New(openacterr.KindNotFound, op, "task not found").WithDetails(map[string]any{"trn": trn})
	}
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to query task", err)
	}
	return taskFromRow(&row)
}

func taskFromRow(row *taskRow) (*domain.Task, error) {
	const op = "store.taskFromRow"
	task := &domain.Task{
		TRN:           row.TRN,
		Name:          row.Name,
		ConnectionTRN: row.ConnectionTRN,
		APIEndpoint:   row.APIEndpoint,
		Method:        domain.Method(row.Method),
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
		Version:       row.Version,
	}
	if err := unmarshalNullable(row.HeadersJSON, &task.Headers); err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to unmarshal headers", err)
	}
	if err := unmarshalNullable(row.QueryParamsJSON, &task.QueryParams); err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to unmarshal query_params", err)
	}
	if row.RequestBodyJSON.Valid {
		if err := unmarshalNullable(row.RequestBodyJSON, &task.RequestBody); err != nil {
			return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to unmarshal request_body", err)
		}
	}
	if row.TimeoutConfigJSON.Valid {
		task.TimeoutConfig = &domain.TimeoutConfig{}
		if err := unmarshalNullable(row.TimeoutConfigJSON, task.TimeoutConfig); err != nil {
			return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to unmarshal timeout_config", err)
		}
	}
	if row.NetworkConfigJSON.Valid {
		task.NetworkConfig = &domain.NetworkConfig{}
		if err := unmarshalNullable(row.NetworkConfigJSON, task.NetworkConfig); err != nil {
			return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to unmarshal network_config", err)
		}
	}
	if row.HTTPPolicyJSON.Valid {
		task.HTTPPolicy = &domain.HTTPPolicy{}
		if err := unmarshalNullable(row.HTTPPolicyJSON, task.HTTPPolicy); err != nil {
			return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to unmarshal http_policy", err)
		}
	}
	if row.ResponsePolicyJSON.Valid {
		task.ResponsePolicy = &domain.ResponsePolicy{}
		if err := unmarshalNullable(row.ResponsePolicyJSON, task.ResponsePolicy); err != nil {
			return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to unmarshal response_policy", err)
		}
	}
	if row.RetryPolicyJSON.Valid {
		task.RetryPolicy = &domain.RetryPolicy{}
		if err := unmarshalNullable(row.RetryPolicyJSON, task.RetryPolicy); err != nil {
			return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to unmarshal retry_policy", err)
		}
	}
	return task, nil
}

// ListTasks returns Tasks for tenant ordered by (tenant, trn) ascending,
// paginated with the package defaults.
func (s *Store) ListTasks(ctx context.Context, tenant string, offset, limit int) ([]*domain.Task, error) {
	const op = "store.ListTasks"
	start := time.Now()
	limit = normalizePagination(limit)

	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM tasks WHERE tenant = ? ORDER BY tenant, trn LIMIT ? OFFSET ?`,
		tenant, limit, offset)
	s.recordQuery("select", "tasks", start, err)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to list tasks", err)
	}
	out := make([]*domain.Task, 0, len(rows))
	for i := range rows {
		t, err := taskFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// DeleteTask removes a Task by TRN.
func (s *Store) DeleteTask(ctx context.Context, trn string) error {
	const op = "store.DeleteTask"
	start := time.Now()
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE trn = ?`, trn)
	s.recordQuery("delete", "tasks", start, err)
	if err != nil {
		return openacterr.Wrap(openacterr.KindInternal, op, "failed to delete task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return openacterr.Wrap(openacterr.KindInternal, op, "failed to read rows affected", err)
	}
	if n == 0 {
		return openacterr.New(openacterr.KindNotFound, op, "task not found").WithDetails(map[string]any{"trn": trn})
	}
	return nil
}

// Package engine is the single orchestrator for task execution: it
// resolves a Task and its Connection, merges and policy-checks the
// request, injects authentication, dispatches through the HTTP client
// pool with retry, applies the reactive-refresh-on-401 policy, and shapes
// the response per ResponsePolicy.
package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aionixone/openact/internal/clientpool"
	"github.com/aionixone/openact/internal/domain"
	"github.com/aionixone/openact/internal/inject"
	"github.com/aionixone/openact/internal/merge"
	"github.com/aionixone/openact/internal/metrics"
	"github.com/aionixone/openact/internal/oauth2"
	"github.com/aionixone/openact/internal/openacterr"
	"github.com/aionixone/openact/internal/retry"
	"github.com/aionixone/openact/internal/store"
	"github.com/aionixone/openact/internal/trn"
)

// Engine is the Execution Engine component. Safe for concurrent use.
type Engine struct {
	store   *store.Store
	oauth   *oauth2.Runtime
	pool    *clientpool.Pool
	metrics *metrics.Metrics
	logger  *slog.Logger

	// ReactiveRefresh enables the 401-triggered force-refresh-and-retry
	// policy for OAuth2 connections. Default true. The retry happens at
	// most once per execution.
	ReactiveRefresh bool
}

// New constructs an Engine from its three collaborators.
func New(st *store.Store, oauthRT *oauth2.Runtime, pool *clientpool.Pool) *Engine {
	return &Engine{
		store:           st,
		oauth:           oauthRT,
		pool:            pool,
		logger:          slog.Default(),
		ReactiveRefresh: true,
	}
}

// WithMetrics attaches a metrics recorder.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

// WithLogger overrides the default logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	if l != nil {
		e.logger = l
	}
	return e
}

// BinarySummary is returned in place of a body when ResponsePolicy forbids
// embedding it.
type BinarySummary struct {
	BinaryDigest string `json:"binary_digest"`
	Size         int    `json:"size"`
	ContentType  string `json:"content_type"`
}

// Result is the normalized output of an execution.
type Result struct {
	Status      int              `json:"status"`
	Headers     domain.ValuesMap `json:"headers"`
	Body        []byte           `json:"body,omitempty"`
	Encoding    string           `json:"encoding,omitempty"` // "base64" when set
	Summary     *BinarySummary   `json:"summary,omitempty"`
	Attempts    int              `json:"attempts"`
	DurationMS  int64            `json:"duration_ms"`
	Warnings    []string         `json:"warnings,omitempty"`
}

// Execute runs the full pipeline for the Task addressed by taskTRN, under
// tenant, with caller-supplied overrides layered beneath the Connection's
// defaults.
func (e *Engine) Execute(ctx context.Context, tenant, taskTRN string, overrides merge.Overrides) (*Result, error) {
	const op = "engine.Execute"
	start := time.Now()

	parsed, err := trn.Parse(taskTRN)
	if err != nil {
		return nil, err
	}
	if parsed.Kind != trn.KindTask {
		return nil, openacterr.New(openacterr.KindValidation, op, "task_trn must address a task resource").WithDetails(map[string]any{"task_trn": taskTRN})
	}

	task, err := e.store.GetTask(ctx, taskTRN)
	if err != nil {
		return nil, err
	}
	conn, err := e.store.GetConnection(ctx, task.ConnectionTRN)
	if err != nil {
		return nil, err
	}

	spec := merge.Merge(task, overrides, conn)
	httpPolicy := merge.EffectiveHTTPPolicy(task, conn)
	if err := merge.ApplyPolicy(spec, httpPolicy); err != nil {
		e.recordOutcome(tenant, "policy_violation", start)
		return nil, err
	}

	cred, err := e.obtainCredential(ctx, tenant, conn)
	if err != nil {
		e.recordOutcome(tenant, "credential_error", start)
		return nil, err
	}

	if err := inject.Inject(spec, conn.AuthorizationType, conn.AuthParameters, cred); err != nil {
		e.recordOutcome(tenant, "inject_error", start)
		return nil, err
	}

	timeout := merge.EffectiveTimeoutConfig(task, conn)
	network := merge.EffectiveNetworkConfig(task, conn)
	client, err := e.pool.Get(timeout, network)
	if err != nil {
		e.recordOutcome(tenant, "client_pool_error", start)
		return nil, err
	}

	retryPolicy := merge.EffectiveRetryPolicy(task, conn)
	resp, attempts, err := e.dispatchWithRetry(ctx, tenant, client, spec, retryPolicy)
	if err != nil {
		e.recordOutcome(tenant, "dispatch_error", start)
		return nil, err
	}

	isOAuth2 := conn.AuthorizationType == domain.AuthOAuth2ClientCredentials || conn.AuthorizationType == domain.AuthOAuth2AuthorizationCode
	if resp.StatusCode == http.StatusUnauthorized && isOAuth2 && e.ReactiveRefresh {
		e.logger.Info("reactive refresh: retrying dispatch once after 401",
			"task_trn", taskTRN, "connection_trn", conn.TRN)
		refreshed, refreshErr := e.oauth.ForceRefresh(ctx, tenant, conn)
		if refreshErr == nil {
			if injErr := inject.Inject(spec, conn.AuthorizationType, conn.AuthParameters, refreshed); injErr == nil {
				resp2, attempts2, dispatchErr := e.dispatchWithRetry(ctx, tenant, client, spec, retryPolicy)
				if dispatchErr == nil {
					resp.Body.Close()
					resp = resp2
					attempts += attempts2
				}
			}
		}
	}

	responsePolicy := merge.EffectiveResponsePolicy(task)
	result, err := shapeResponse(resp, responsePolicy, httpPolicy.AllowedContentTypes)
	if err != nil {
		e.recordOutcome(tenant, "response_shaping_error", start)
		return nil, err
	}
	result.Attempts = attempts
	result.DurationMS = time.Since(start).Milliseconds()
	result.Warnings = append(result.Warnings, spec.Warnings...)

	status := "success"
	if resp.StatusCode >= 400 {
		status = "upstream_error"
	}
	e.recordOutcome(tenant, status, start)
	return result, nil
}

func (e *Engine) recordOutcome(tenant, status string, start time.Time) {
	if e.metrics != nil {
		e.metrics.RecordTaskExecution(tenant, status, time.Since(start).Seconds())
	}
}

// obtainCredential resolves the request credential: ApiKey/Basic read directly from
// the decrypted Connection params (no Credential object, inject.Inject
// never consults cred for those variants); OAuth2 calls fetch-or-refresh.
func (e *Engine) obtainCredential(ctx context.Context, tenant string, conn *domain.Connection) (*domain.Credential, error) {
	switch conn.AuthorizationType {
	case domain.AuthAPIKey, domain.AuthBasic:
		return nil, nil
	case domain.AuthOAuth2ClientCredentials, domain.AuthOAuth2AuthorizationCode:
		return e.oauth.FetchOrRefresh(ctx, tenant, conn)
	default:
		return nil, openacterr.New(openacterr.KindValidation, "engine.obtainCredential", "unsupported authorization_type").WithDetails(map[string]any{"authorization_type": string(conn.AuthorizationType)})
	}
}

// dispatchWithRetry runs the dispatch-then-evaluate-retry loop: count the
// attempt, sleep the computed backoff (or abort on ctx cancellation), log
// each retry.
func (e *Engine) dispatchWithRetry(ctx context.Context, tenant string, client *http.Client, spec *merge.RequestSpec, policy domain.RetryPolicy) (*http.Response, int, error) {
	attempt := 0
	for {
		attemptStart := time.Now()
		resp, dispatchErr := dispatchOnce(ctx, client, spec)
		attemptDuration := time.Since(attemptStart)

		statusCode := 0
		retryAfter := ""
		if resp != nil {
			statusCode = resp.StatusCode
			retryAfter = resp.Header.Get("Retry-After")
		}

		decision := retry.Evaluate(policy, attempt, statusCode, retryAfter)
		attempt++

		if dispatchErr == nil && (resp.StatusCode < 400 || !decision.ShouldRetry) {
			if e.metrics != nil {
				e.metrics.RecordHTTPRequest(string(spec.Method), spec.URL, httpStatusLabel(resp.StatusCode), attemptDuration.Seconds())
			}
			return resp, attempt, nil
		}

		if !decision.ShouldRetry {
			if dispatchErr != nil {
				return nil, attempt, openacterr.Wrap(openacterr.KindTransient, "engine.dispatchWithRetry", "dispatch failed", dispatchErr)
			}
			return resp, attempt, nil
		}

		outcome := "retry_status"
		if dispatchErr != nil {
			outcome = "retry_transport_error"
		}
		if e.metrics != nil {
			e.metrics.RecordRetryAttempt(tenant, outcome, decision.Delay.Seconds())
		}
		e.logger.Warn("retrying dispatch",
			"attempt", attempt, "delay", decision.Delay, "method", spec.Method, "url", spec.URL, "status", statusCode)

		if resp != nil {
			resp.Body.Close()
		}

		select {
		case <-ctx.Done():
			return nil, attempt, openacterr.Wrap(openacterr.KindCancelled, "engine.dispatchWithRetry", "execution cancelled", ctx.Err())
		case <-time.After(decision.Delay):
		}
	}
}

func httpStatusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 200:
		return "2xx"
	default:
		return "other"
	}
}

// dispatchOnce issues a single HTTP request built from spec.
func dispatchOnce(ctx context.Context, client *http.Client, spec *merge.RequestSpec) (*http.Response, error) {
	reqURL, err := buildURL(spec.URL, spec.Query)
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindValidation, "engine.dispatchOnce", "invalid url", err)
	}

	var bodyReader io.Reader
	if spec.Body != nil {
		bodyBytes, err := json.Marshal(spec.Body)
		if err != nil {
			return nil, openacterr.Wrap(openacterr.KindValidation, "engine.dispatchOnce", "failed to marshal request body", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, string(spec.Method), reqURL, bodyReader)
	if err != nil {
		return nil, err
	}
	for k, values := range spec.Headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if spec.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	return client.Do(req)
}

func buildURL(base string, query domain.ValuesMap) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if len(query) > 0 {
		q := u.Query()
		for k, values := range query {
			for _, v := range values {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// shapeResponse applies the ResponsePolicy body-shaping rules.
// allowedContentTypes is the HTTP policy's whitelist, enforced on
// successful responses when binary bodies are disallowed.
func shapeResponse(resp *http.Response, policy domain.ResponsePolicy, allowedContentTypes []string) (*Result, error) {
	const op = "engine.shapeResponse"
	defer resp.Body.Close()

	maxBodyBytes := policy.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = 8 * 1024 * 1024
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBodyBytes)+1))
	if err != nil {
		return nil, openacterr.Wrap(openacterr.KindInternal, op, "failed to read response body", err)
	}

	headers := make(domain.ValuesMap, len(resp.Header))
	for k, v := range resp.Header {
		headers[strings.ToLower(k)] = v
	}
	contentType := resp.Header.Get("Content-Type")

	result := &Result{Status: resp.StatusCode, Headers: headers}

	if !policy.AllowBinary && contentType != "" && !merge.IsTextContentType(contentType) {
		return nil, openacterr.New(openacterr.KindBinaryNotAllowed, op, "response content-type is not text and allow_binary is false").WithDetails(map[string]any{"content_type": contentType})
	}
	if !policy.AllowBinary && resp.StatusCode >= 200 && resp.StatusCode < 300 && contentType != "" {
		if !merge.ContentTypeAllowed(contentType, allowedContentTypes) {
			return nil, openacterr.New(openacterr.KindPolicyViolation, op, "response content-type is not allowed by policy").WithDetails(map[string]any{"content_type": contentType})
		}
	}

	if len(body) > maxBodyBytes {
		result.Summary = &BinarySummary{
			BinaryDigest: sha256Hex(body),
			Size:         len(body),
			ContentType:  contentType,
		}
		return result, nil
	}

	if policy.AllowBinary && contentType != "" && !merge.IsTextContentType(contentType) {
		result.Body = []byte(base64.StdEncoding.EncodeToString(body))
		result.Encoding = "base64"
		return result, nil
	}

	result.Body = body
	return result, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Package domain holds the data model shared by the store, merge, OAuth2
// runtime, and execution engine components: Connection, Task,
// AuthConnection and their supporting value types.
package domain

import (
	"encoding/json"
	"time"

	"github.com/aionixone/openact/internal/openacterr"
)

// AuthorizationType is the closed sum of ways a Connection authenticates,
// per the design note calling for "AuthorizationType as a closed sum with
// variant-carried parameters."
type AuthorizationType string

const (
	AuthAPIKey                  AuthorizationType = "ApiKey"
	AuthBasic                   AuthorizationType = "Basic"
	AuthOAuth2ClientCredentials AuthorizationType = "OAuth2ClientCredentials"
	AuthOAuth2AuthorizationCode AuthorizationType = "OAuth2AuthorizationCode"
)

// Method is the closed set of HTTP methods a Task may issue.
type Method string

const (
	MethodGET     Method = "GET"
	MethodHEAD    Method = "HEAD"
	MethodPOST    Method = "POST"
	MethodPUT     Method = "PUT"
	MethodPATCH   Method = "PATCH"
	MethodDELETE  Method = "DELETE"
	MethodOPTIONS Method = "OPTIONS"
)

var validMethods = map[Method]bool{
	MethodGET: true, MethodHEAD: true, MethodPOST: true, MethodPUT: true,
	MethodPATCH: true, MethodDELETE: true, MethodOPTIONS: true,
}

// ValuesMap is a case-insensitive multi-valued map (header/query shape):
// canonical lowercase key -> ordered list of values.
type ValuesMap map[string][]string

// Clone returns a deep copy so merge operations never mutate a caller's map.
func (m ValuesMap) Clone() ValuesMap {
	if m == nil {
		return nil
	}
	out := make(ValuesMap, len(m))
	for k, v := range m {
		cp := make([]string, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// JSONBody is an arbitrary JSON value (object, array, or scalar) used for
// request/default bodies; deep-merge rules in the merger only apply when
// both sides are objects (map[string]any).
type JSONBody any

// TimeoutConfig carries the three timeout kinds named in the concurrency
// model: connect, read, and total wall-clock per dispatch attempt.
type TimeoutConfig struct {
	ConnectMS int `json:"connect_ms,omitempty"`
	ReadMS    int `json:"read_ms,omitempty"`
	TotalMS   int `json:"total_ms,omitempty"`
}

// NetworkConfig carries TLS/proxy settings that participate in the HTTP
// Client Pool's cache key.
type NetworkConfig struct {
	TLSTrustBundlePEM string `json:"tls_trust_bundle_pem,omitempty"`
	ClientCertPEM     string `json:"client_cert_pem,omitempty"`
	ClientKeyPEM      string `json:"client_key_pem,omitempty"`
	ServerNameOverride string `json:"server_name_override,omitempty"`
	ProxyURL          string `json:"proxy_url,omitempty"`
	InsecureSkipVerify bool  `json:"insecure_skip_verify,omitempty"`
}

// HTTPPolicy is the set of rules the merger enforces after merging request
// parameters and before dispatch.
type HTTPPolicy struct {
	DeniedHeaders         []string `json:"denied_headers,omitempty"`
	ReservedHeaders       []string `json:"reserved_headers,omitempty"`
	MultiValueAppendHeaders []string `json:"multi_value_append_headers,omitempty"`
	MaxHeaderValueLength  int      `json:"max_header_value_length,omitempty"`
	MaxTotalHeaders       int      `json:"max_total_headers,omitempty"`
	AllowedContentTypes   []string `json:"allowed_content_types,omitempty"`
	DropForbiddenHeaders  bool     `json:"drop_forbidden_headers"`
}

// DefaultHTTPPolicy returns the standard policy defaults;
// drop_forbidden_headers defaults to true (denied headers are dropped
// silently rather than failing the request).
func DefaultHTTPPolicy() HTTPPolicy {
	return HTTPPolicy{
		DeniedHeaders:           []string{"host", "content-length", "transfer-encoding", "expect"},
		ReservedHeaders:         []string{"authorization"},
		MultiValueAppendHeaders: []string{"accept", "cookie", "set-cookie"},
		MaxHeaderValueLength:    8192,
		MaxTotalHeaders:         64,
		DropForbiddenHeaders:    true,
	}
}

// RetryPolicy configures the retry loop around request dispatch.
type RetryPolicy struct {
	MaxRetries         int     `json:"max_retries"`
	BaseDelayMS        int     `json:"base_delay_ms"`
	MaxDelayMS         int     `json:"max_delay_ms"`
	BackoffMultiplier  float64 `json:"backoff_multiplier"`
	RetryStatusCodes   []int   `json:"retry_status_codes,omitempty"`
	RespectRetryAfter  bool    `json:"respect_retry_after"`
}

// DefaultRetryPolicy returns spec defaults: max_retries=0 (opt-in).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        0,
		BaseDelayMS:       500,
		MaxDelayMS:        10_000,
		BackoffMultiplier: 2.0,
		RetryStatusCodes:  []int{408, 429, 500, 502, 503, 504},
		RespectRetryAfter: true,
	}
}

// ResponsePolicy controls how the execution engine shapes the final result.
type ResponsePolicy struct {
	AllowBinary   bool `json:"allow_binary"`
	MaxBodyBytes  int  `json:"max_body_bytes"`
}

// DefaultResponsePolicy returns spec defaults: text-only, 8 MiB cap.
func DefaultResponsePolicy() ResponsePolicy {
	return ResponsePolicy{AllowBinary: false, MaxBodyBytes: 8 * 1024 * 1024}
}

// AuthParameters is the variant-carried parameter set for a Connection's
// AuthorizationType. Only the fields matching Type are meaningful; this
// mirrors "the injector is a pure function (AuthType, Credential, Request)
// -> Request" by keeping parameters plain data, no behavior.
type AuthParameters struct {
	// ApiKey
	APIKeyName     string `json:"api_key_name,omitempty"`
	APIKeyLocation string `json:"api_key_location,omitempty"` // "header" | "query"
	APIKeyValue    string `json:"api_key_value,omitempty"`     // plaintext in memory only; never persisted

	// Basic
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// OAuth2 (both client-credentials and authorization-code)
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	TokenURL     string   `json:"token_url,omitempty"`
	AuthURL      string   `json:"auth_url,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	Audience     string   `json:"audience,omitempty"`
	UsePKCE      bool     `json:"use_pkce,omitempty"`
	CredentialStyle string `json:"credential_style,omitempty"` // "basic" | "body", default "basic"
}

// Connection is the authentication + network-defaults record: who you are
// to a provider, and how to reach it.
type Connection struct {
	TRN               string
	Name              string
	AuthorizationType AuthorizationType
	AuthParameters    AuthParameters
	AuthRef           string // TRN of an auth_connection, OAuth2 only
	DefaultHeaders    ValuesMap
	DefaultQueryParams ValuesMap
	DefaultBody       JSONBody
	TimeoutConfig     *TimeoutConfig
	NetworkConfig     *NetworkConfig
	HTTPPolicy        *HTTPPolicy
	RetryPolicy       *RetryPolicy
	KeyVersion        uint32
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Version           int
}

// Validate enforces structural invariants that do not require a store
// lookup (TRN shape is validated by the trn package at the call site).
func (c *Connection) Validate() error {
	const op = "domain.Connection.Validate"
	if c.Name == "" {
		return openacterr.New(openacterr.KindValidation, op, "name is required")
	}
	switch c.AuthorizationType {
	case AuthAPIKey, AuthBasic, AuthOAuth2ClientCredentials, AuthOAuth2AuthorizationCode:
	default:
		return openacterr.New(openacterr.KindValidation, op, "unsupported authorization_type").WithDetails(map[string]any{"authorization_type": string(c.AuthorizationType)})
	}
	return nil
}

// Task is a concrete HTTP action against a Connection.
type Task struct {
	TRN            string
	Name           string
	ConnectionTRN  string
	APIEndpoint    string
	Method         Method
	Headers        ValuesMap
	QueryParams    ValuesMap
	RequestBody    JSONBody
	TimeoutConfig  *TimeoutConfig
	NetworkConfig  *NetworkConfig
	HTTPPolicy     *HTTPPolicy
	ResponsePolicy *ResponsePolicy
	RetryPolicy    *RetryPolicy
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        int
}

func (t *Task) Validate() error {
	const op = "domain.Task.Validate"
	if t.Name == "" {
		return openacterr.New(openacterr.KindValidation, op, "name is required")
	}
	if t.APIEndpoint == "" {
		return openacterr.New(openacterr.KindValidation, op, "api_endpoint is required")
	}
	if !validMethods[t.Method] {
		return openacterr.New(openacterr.KindValidation, op, "unsupported method").WithDetails(map[string]any{"method": string(t.Method)})
	}
	return nil
}

// AuthConnection is an issued OAuth2 token set.
type AuthConnection struct {
	TRN          string
	Tenant       string
	Provider     string
	UserID       string
	AccessToken  string // plaintext in memory only
	RefreshToken string // plaintext in memory only, may be empty
	ExtraData    map[string]any
	TokenType    string
	ExpiresAt    *time.Time
	Scope        string
	KeyVersion   uint32
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Version      int
}

// IsValid reports whether the credential is usable right now: token
// present AND (expires_at absent OR expires_at - now > skew).
func (a *AuthConnection) IsValid(now time.Time, skew time.Duration) bool {
	if a.AccessToken == "" {
		return false
	}
	if a.ExpiresAt == nil {
		return true
	}
	return a.ExpiresAt.Sub(now) > skew
}

// HistoryOperation is the closed set of audited AuthConnection mutations.
type HistoryOperation string

const (
	HistoryCreate HistoryOperation = "Create"
	HistoryUpdate HistoryOperation = "Update"
	HistoryDelete HistoryOperation = "Delete"
)

// AuthConnectionHistory is an append-only audit row.
type AuthConnectionHistory struct {
	ID        int64
	TRN       string
	Operation HistoryOperation
	OldData   json.RawMessage // ciphertext snapshot, may be nil
	NewData   json.RawMessage // ciphertext snapshot, may be nil
	Reason    string
	CreatedAt time.Time
}

// Checkpoint is a persisted, resumable Authorization-Code flow run.
// PausedState names the state-machine state awaiting resumption
// (always "AwaitingCallback" in the current design; kept as a string so a
// future multi-step flow can add states without a migration).
type Checkpoint struct {
	RunID      string
	PausedState string
	Context    map[string]any // connection_trn, redirect_uri, etc.
	AwaitMeta  map[string]any // state, code_verifier
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExpiresAt  time.Time
}

// Credential is the normalized output of the OAuth2 runtime's fetch-or-
// refresh operation and of direct ApiKey/Basic reads.
type Credential struct {
	AccessToken string
	TokenType   string
	ExpiresAt   *time.Time
	Scope       string
}

package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aionixone/openact/internal/domain"
	"github.com/aionixone/openact/internal/openacterr"
)

func baseTask() *domain.Task {
	return &domain.Task{
		TRN:         "trn:openact:acme:task/echo",
		Name:        "echo",
		APIEndpoint: "https://example.test/echo",
		Method:      domain.MethodGET,
		Headers: domain.ValuesMap{
			"user-agent": {"task/1"},
			"x-task":     {"t1"},
		},
	}
}

func baseConn() *domain.Connection {
	return &domain.Connection{
		TRN:               "trn:openact:acme:connection/github",
		Name:              "github",
		AuthorizationType: domain.AuthAPIKey,
		DefaultHeaders: domain.ValuesMap{
			"user-agent": {"conn/1"},
		},
	}
}

// Connection value wins over both Task and caller overrides for an
// ordinary (non-append) header.
func TestConnectionWins(t *testing.T) {
	task := baseTask()
	conn := baseConn()
	overrides := Overrides{Headers: domain.ValuesMap{"user-agent": {"ovr/1"}}}

	spec := Merge(task, overrides, conn)

	assert.Equal(t, []string{"conn/1"}, spec.Headers["user-agent"])
}

// TestOverridesBeatTaskWhenConnectionSilent verifies property 2's second
// clause: absent a Connection value, overrides win over the Task.
func TestOverridesBeatTaskWhenConnectionSilent(t *testing.T) {
	task := baseTask()
	conn := baseConn()
	overrides := Overrides{Headers: domain.ValuesMap{"x-task": {"ovr-task"}}}

	spec := Merge(task, overrides, conn)

	assert.Equal(t, []string{"ovr-task"}, spec.Headers["x-task"])
}

// TestNullOverrideDeletes verifies property 2's final clause.
func TestNullOverrideDeletes(t *testing.T) {
	task := baseTask()
	conn := baseConn()
	overrides := Overrides{DeleteHeaders: map[string]bool{"x-task": true}}

	spec := Merge(task, overrides, conn)

	_, present := spec.Headers["x-task"]
	assert.False(t, present)
}

// TestMultiValueAppendOrder verifies property 3: task ++ overrides ++
// connection, in that order, for keys in multi_value_append_headers.
func TestMultiValueAppendOrder(t *testing.T) {
	task := baseTask()
	task.Headers["accept"] = []string{"a1"}
	task.HTTPPolicy = &domain.HTTPPolicy{MultiValueAppendHeaders: []string{"accept"}}
	conn := baseConn()
	conn.DefaultHeaders["accept"] = []string{"a3"}
	overrides := Overrides{Headers: domain.ValuesMap{"accept": {"a2"}}}

	spec := Merge(task, overrides, conn)

	assert.Equal(t, []string{"a1", "a2", "a3"}, spec.Headers["accept"])
}

func TestApiKeyHappyPathMerge(t *testing.T) {
	task := &domain.Task{
		APIEndpoint: "https://example.test/echo",
		Method:      domain.MethodGET,
	}
	conn := &domain.Connection{
		AuthorizationType: domain.AuthAPIKey,
		DefaultHeaders:    domain.ValuesMap{"user-agent": {"openact/1"}},
	}

	spec := Merge(task, Overrides{}, conn)
	require.Equal(t, []string{"openact/1"}, spec.Headers["user-agent"])
}

func TestGetRequestDiscardsBody(t *testing.T) {
	task := baseTask()
	task.Method = domain.MethodGET
	task.RequestBody = map[string]any{"a": 1}
	conn := baseConn()

	spec := Merge(task, Overrides{}, conn)

	assert.Nil(t, spec.Body)
	assert.NotEmpty(t, spec.Warnings)
}

func TestBodyDeepMergeConnectionOverlays(t *testing.T) {
	task := baseTask()
	task.Method = domain.MethodPOST
	task.RequestBody = map[string]any{"a": 1, "nested": map[string]any{"x": 1, "y": 2}}
	conn := baseConn()
	conn.DefaultBody = map[string]any{"nested": map[string]any{"y": 99}, "b": 2}

	spec := Merge(task, Overrides{}, conn)

	body, ok := spec.Body.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, body["a"])
	assert.Equal(t, 2, body["b"])
	nested, ok := body["nested"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, nested["x"])
	assert.Equal(t, 99, nested["y"])
}

func TestApplyPolicyDropsForbiddenHeader(t *testing.T) {
	spec := &RequestSpec{Headers: domain.ValuesMap{"host": {"evil.test"}, "x-ok": {"1"}}}
	policy := domain.DefaultHTTPPolicy()

	err := ApplyPolicy(spec, policy)
	require.NoError(t, err)
	_, present := spec.Headers["host"]
	assert.False(t, present)
	assert.Contains(t, spec.Headers, "x-ok")
}

func TestApplyPolicyRejectsForbiddenHeaderWhenNotDropping(t *testing.T) {
	spec := &RequestSpec{Headers: domain.ValuesMap{"host": {"evil.test"}}}
	policy := domain.DefaultHTTPPolicy()
	policy.DropForbiddenHeaders = false

	err := ApplyPolicy(spec, policy)
	require.Error(t, err)
}

func TestApplyPolicyStripsReservedHeaders(t *testing.T) {
	spec := &RequestSpec{Headers: domain.ValuesMap{"authorization": {"Bearer user-supplied"}}}
	policy := domain.DefaultHTTPPolicy()

	err := ApplyPolicy(spec, policy)
	require.NoError(t, err)
	_, present := spec.Headers["authorization"]
	assert.False(t, present)
}

func TestApplyPolicyMaxHeaderValueLength(t *testing.T) {
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'a'
	}
	spec := &RequestSpec{Headers: domain.ValuesMap{"x-big": {string(long)}}}
	policy := domain.DefaultHTTPPolicy()
	policy.MaxHeaderValueLength = 10

	err := ApplyPolicy(spec, policy)
	require.Error(t, err)
}

func TestContentTypeAllowedNoRestriction(t *testing.T) {
	assert.True(t, ContentTypeAllowed("application/json", nil))
}

func TestContentTypeAllowedWhitelist(t *testing.T) {
	assert.True(t, ContentTypeAllowed("application/json; charset=utf-8", []string{"application/json"}))
	assert.False(t, ContentTypeAllowed("image/png", []string{"application/json"}))
}

func TestIsTextContentType(t *testing.T) {
	assert.True(t, IsTextContentType("text/plain"))
	assert.True(t, IsTextContentType("application/json"))
	assert.True(t, IsTextContentType("application/vnd.api+json"))
	assert.False(t, IsTextContentType("image/png"))
}

func TestApplyPolicyRejectsDisallowedRequestContentType(t *testing.T) {
	spec := &RequestSpec{
		Headers: domain.ValuesMap{"content-type": {"text/csv"}},
		Body:    map[string]any{"k": "v"},
	}
	policy := domain.DefaultHTTPPolicy()
	policy.AllowedContentTypes = []string{"application/json"}

	err := ApplyPolicy(spec, policy)
	require.Error(t, err)
	assert.Equal(t, openacterr.KindPolicyViolation, openacterr.KindOf(err))
}

func TestApplyPolicyAllowsBodyWithDefaultJSONContentType(t *testing.T) {
	// No content-type header merged: the dispatched body is serialized as
	// JSON, so the whitelist check runs against application/json.
	spec := &RequestSpec{Body: map[string]any{"k": "v"}}
	policy := domain.DefaultHTTPPolicy()
	policy.AllowedContentTypes = []string{"application/json"}

	require.NoError(t, ApplyPolicy(spec, policy))
}

func TestApplyPolicySkipsContentTypeCheckWithoutBody(t *testing.T) {
	spec := &RequestSpec{Headers: domain.ValuesMap{"content-type": {"text/csv"}}}
	policy := domain.DefaultHTTPPolicy()
	policy.AllowedContentTypes = []string{"application/json"}

	require.NoError(t, ApplyPolicy(spec, policy))
}

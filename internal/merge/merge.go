// Package merge computes the request a task execution will dispatch: the
// deterministic ConnectionWins precedence over headers/query/body, the
// multi-value-append rule, and the policy checks applied before dispatch.
package merge

import (
	"strings"

	"github.com/aionixone/openact/internal/domain"
	"github.com/aionixone/openact/internal/openacterr"
)

// Overrides is the caller-supplied layer in the merge, the weakest of the
// three per ConnectionWins. A key present in DeleteHeaders/DeleteQueryParams
// is an explicit null override and always deletes.
type Overrides struct {
	Headers           domain.ValuesMap
	DeleteHeaders     map[string]bool
	QueryParams       domain.ValuesMap
	DeleteQueryParams map[string]bool
	Body              domain.JSONBody
	HasBody           bool
}

// RequestSpec is the normalized, merged-and-policy-applied request ready
// for auth injection and dispatch.
type RequestSpec struct {
	Method   domain.Method
	URL      string
	Headers  domain.ValuesMap
	Query    domain.ValuesMap
	Body     domain.JSONBody
	Warnings []string
}

// Merge computes the merged request: start from Task, layer Overrides,
// then overlay Connection on top for ordinary keys; keys in
// multi_value_append_headers instead concatenate task ++ overrides ++
// connection, preserving order, across all three layers regardless of
// which ones set the key.
func Merge(task *domain.Task, overrides Overrides, conn *domain.Connection) *RequestSpec {
	policy := effectiveHTTPPolicy(task, conn)
	appendKeys := toLowerSet(policy.MultiValueAppendHeaders)

	spec := &RequestSpec{
		Method: task.Method,
		URL:    task.APIEndpoint,
	}

	spec.Headers = mergeValues(task.Headers, overrides.Headers, overrides.DeleteHeaders, conn.DefaultHeaders, appendKeys)
	// Query params have no multi-value-append concept; every key follows
	// the ordinary ConnectionWins replace rule.
	spec.Query = mergeValues(task.QueryParams, overrides.QueryParams, overrides.DeleteQueryParams, conn.DefaultQueryParams, nil)

	spec.Body = mergeBody(task.RequestBody, overrides.Body, overrides.HasBody, conn.DefaultBody)

	if (task.Method == domain.MethodGET || task.Method == domain.MethodHEAD) && spec.Body != nil {
		spec.Body = nil
		spec.Warnings = append(spec.Warnings, "request body discarded: "+string(task.Method)+" requests may not carry a body")
	}

	return spec
}

// mergeValues implements the ordinary-key ConnectionWins rule plus the
// multi-value-append rule for the keys named in appendKeys.
func mergeValues(task, overridesSet domain.ValuesMap, overridesDelete map[string]bool, conn domain.ValuesMap, appendKeys map[string]bool) domain.ValuesMap {
	result := make(domain.ValuesMap)

	for k, v := range task {
		result[canonical(k)] = append([]string(nil), v...)
	}
	for k, v := range overridesSet {
		ck := canonical(k)
		if appendKeys[ck] {
			continue // handled below, concatenated rather than replaced
		}
		result[ck] = append([]string(nil), v...)
	}
	for k, v := range conn {
		ck := canonical(k)
		if appendKeys[ck] {
			continue
		}
		result[ck] = append([]string(nil), v...)
	}

	for k := range appendKeys {
		merged := make([]string, 0, len(task[k])+len(overridesSet[k])+len(conn[k]))
		merged = append(merged, task[k]...)
		merged = append(merged, overridesSet[k]...)
		merged = append(merged, conn[k]...)
		if len(merged) > 0 {
			result[k] = merged
		} else {
			delete(result, k)
		}
	}

	// Deletes run last so a null override removes the key whichever
	// layers set it.
	for k := range overridesDelete {
		delete(result, canonical(k))
	}

	if len(result) == 0 {
		return nil
	}
	return result
}

// mergeBody deep-merges JSON object bodies (Connection overlaying
// Task/overrides), replacing arrays and scalars wholly.
func mergeBody(task domain.JSONBody, overridesBody domain.JSONBody, hasOverridesBody bool, conn domain.JSONBody) domain.JSONBody {
	var merged domain.JSONBody = task
	if hasOverridesBody {
		merged = deepMergeJSON(merged, overridesBody)
	}
	if conn != nil {
		merged = deepMergeJSON(merged, conn)
	}
	return merged
}

// deepMergeJSON overlays overlay on top of base: object keys merge
// recursively, arrays and non-object scalars replace wholly.
func deepMergeJSON(base, overlay any) any {
	if overlay == nil {
		return base
	}
	baseObj, baseIsObj := base.(map[string]any)
	overlayObj, overlayIsObj := overlay.(map[string]any)
	if !baseIsObj || !overlayIsObj {
		return overlay
	}
	result := make(map[string]any, len(baseObj)+len(overlayObj))
	for k, v := range baseObj {
		result[k] = v
	}
	for k, v := range overlayObj {
		if existing, ok := result[k]; ok {
			result[k] = deepMergeJSON(existing, v)
		} else {
			result[k] = v
		}
	}
	return result
}

func canonical(key string) string {
	return strings.ToLower(key)
}

func toLowerSet(keys []string) map[string]bool {
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		out[canonical(k)] = true
	}
	return out
}

// effectiveHTTPPolicy resolves the HTTPPolicy to apply: Task's override, if
// set, else Connection's, else the package default, mirroring the same
// Task-overrides-Connection-defaults layering used for the rest of the
// request (the policy itself is not subject to ConnectionWins since it is
// configuration, not request data).
func effectiveHTTPPolicy(task *domain.Task, conn *domain.Connection) domain.HTTPPolicy {
	if task.HTTPPolicy != nil {
		return *task.HTTPPolicy
	}
	if conn.HTTPPolicy != nil {
		return *conn.HTTPPolicy
	}
	return domain.DefaultHTTPPolicy()
}

// EffectiveHTTPPolicy exposes effectiveHTTPPolicy for callers (the engine)
// that need the resolved policy to run ApplyPolicy after Merge.
func EffectiveHTTPPolicy(task *domain.Task, conn *domain.Connection) domain.HTTPPolicy {
	return effectiveHTTPPolicy(task, conn)
}

// EffectiveRetryPolicy resolves Task-overrides-Connection-defaults for the
// retry policy, same layering as the HTTP policy.
func EffectiveRetryPolicy(task *domain.Task, conn *domain.Connection) domain.RetryPolicy {
	if task.RetryPolicy != nil {
		return *task.RetryPolicy
	}
	if conn.RetryPolicy != nil {
		return *conn.RetryPolicy
	}
	return domain.DefaultRetryPolicy()
}

// EffectiveResponsePolicy resolves the Task's response policy, falling
// back to the default (Connections carry no response policy).
func EffectiveResponsePolicy(task *domain.Task) domain.ResponsePolicy {
	if task.ResponsePolicy != nil {
		return *task.ResponsePolicy
	}
	return domain.DefaultResponsePolicy()
}

// EffectiveTimeoutConfig resolves Task-overrides-Connection-defaults for
// timeouts.
func EffectiveTimeoutConfig(task *domain.Task, conn *domain.Connection) domain.TimeoutConfig {
	if task.TimeoutConfig != nil {
		return *task.TimeoutConfig
	}
	if conn.TimeoutConfig != nil {
		return *conn.TimeoutConfig
	}
	return domain.TimeoutConfig{ConnectMS: 5_000, ReadMS: 30_000, TotalMS: 60_000}
}

// EffectiveNetworkConfig resolves Task-overrides-Connection-defaults for
// network/TLS/proxy settings.
func EffectiveNetworkConfig(task *domain.Task, conn *domain.Connection) domain.NetworkConfig {
	if task.NetworkConfig != nil {
		return *task.NetworkConfig
	}
	if conn.NetworkConfig != nil {
		return *conn.NetworkConfig
	}
	return domain.NetworkConfig{}
}

// op is used by ApplyPolicy's error construction; kept private to the
// package like the op constants in other components.
const op = "merge.ApplyPolicy"

// ApplyPolicy enforces the HTTP policy over an already-merged RequestSpec,
// in place. It must run before auth injection so that reserved
// headers are clear for the injector to set.
func ApplyPolicy(spec *RequestSpec, policy domain.HTTPPolicy) error {
	denied := toLowerSet(policy.DeniedHeaders)
	reserved := toLowerSet(policy.ReservedHeaders)

	for k := range reserved {
		delete(spec.Headers, k)
	}

	for k := range spec.Headers {
		if !denied[k] {
			continue
		}
		if policy.DropForbiddenHeaders {
			delete(spec.Headers, k)
			spec.Warnings = append(spec.Warnings, "dropped forbidden header: "+k)
			continue
		}
		return openacterr.New(openacterr.KindForbiddenHeader, op, "header is denied by policy").WithDetails(map[string]any{"header": k})
	}

	maxLen := policy.MaxHeaderValueLength
	if maxLen <= 0 {
		maxLen = 8192
	}
	maxTotal := policy.MaxTotalHeaders
	if maxTotal <= 0 {
		maxTotal = 64
	}
	if len(spec.Headers) > maxTotal {
		return openacterr.New(openacterr.KindPolicyViolation, op, "too many headers").WithDetails(map[string]any{"count": len(spec.Headers), "max": maxTotal})
	}
	for k, values := range spec.Headers {
		for _, v := range values {
			if len(v) > maxLen {
				return openacterr.New(openacterr.KindPolicyViolation, op, "header value exceeds max length").WithDetails(map[string]any{"header": k, "length": len(v), "max": maxLen})
			}
		}
	}

	if spec.Body != nil && len(policy.AllowedContentTypes) > 0 {
		ct := requestContentType(spec)
		if !ContentTypeAllowed(ct, policy.AllowedContentTypes) {
			return openacterr.New(openacterr.KindPolicyViolation, op, "request body content-type is not allowed by policy").WithDetails(map[string]any{"content_type": ct})
		}
	}

	return nil
}

// requestContentType resolves the content-type the dispatched request will
// carry: the merged header if set, else application/json (the body is
// serialized as JSON when no header overrides that).
func requestContentType(spec *RequestSpec) string {
	if values := spec.Headers["content-type"]; len(values) > 0 {
		return values[0]
	}
	return "application/json"
}

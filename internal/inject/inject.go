// Package inject writes authentication material into a merged request
// spec. Injection is a pure function of (AuthType, Credential, Request):
// no I/O, no state, so adding a scheme means adding a case.
package inject

import (
	"encoding/base64"
	"fmt"

	"github.com/aionixone/openact/internal/domain"
	"github.com/aionixone/openact/internal/merge"
	"github.com/aionixone/openact/internal/openacterr"
)

// Inject sets the reserved authentication fields on spec in place,
// according to authType/params/cred:
//   - ApiKey: header or query parameter, name and location configurable.
//   - Basic: Authorization: Basic base64(user:pass).
//   - OAuth2 (both flows): Authorization: <token_type> <access_token>.
//
// It must run after merge.ApplyPolicy has cleared reserved_headers so the
// injected value is never clobbered by a later merge step.
func Inject(spec *merge.RequestSpec, authType domain.AuthorizationType, params domain.AuthParameters, cred *domain.Credential) error {
	const op = "inject.Inject"

	switch authType {
	case domain.AuthAPIKey:
		return injectAPIKey(spec, params)
	case domain.AuthBasic:
		injectBasic(spec, params)
		return nil
	case domain.AuthOAuth2ClientCredentials, domain.AuthOAuth2AuthorizationCode:
		return injectBearer(spec, cred)
	default:
		return openacterr.New(openacterr.KindValidation, op, "unsupported authorization_type").WithDetails(map[string]any{"authorization_type": string(authType)})
	}
}

func injectAPIKey(spec *merge.RequestSpec, params domain.AuthParameters) error {
	const op = "inject.injectAPIKey"
	if params.APIKeyName == "" {
		return openacterr.New(openacterr.KindValidation, op, "api_key_name is required")
	}

	switch params.APIKeyLocation {
	case "", "header":
		if spec.Headers == nil {
			spec.Headers = make(domain.ValuesMap)
		}
		spec.Headers[canonicalHeader(params.APIKeyName)] = []string{params.APIKeyValue}
	case "query":
		if spec.Query == nil {
			spec.Query = make(domain.ValuesMap)
		}
		spec.Query[params.APIKeyName] = []string{params.APIKeyValue}
	default:
		return openacterr.New(openacterr.KindValidation, op, "unsupported api_key_location").WithDetails(map[string]any{"api_key_location": params.APIKeyLocation})
	}
	return nil
}

func injectBasic(spec *merge.RequestSpec, params domain.AuthParameters) {
	if spec.Headers == nil {
		spec.Headers = make(domain.ValuesMap)
	}
	token := base64.StdEncoding.EncodeToString([]byte(params.Username + ":" + params.Password))
	spec.Headers["authorization"] = []string{"Basic " + token}
}

func injectBearer(spec *merge.RequestSpec, cred *domain.Credential) error {
	const op = "inject.injectBearer"
	if cred == nil || cred.AccessToken == "" {
		return openacterr.New(openacterr.KindCredentialNotIssued, op, "no credential available for OAuth2 connection")
	}
	tokenType := cred.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	if spec.Headers == nil {
		spec.Headers = make(domain.ValuesMap)
	}
	spec.Headers["authorization"] = []string{fmt.Sprintf("%s %s", tokenType, cred.AccessToken)}
	return nil
}

func canonicalHeader(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

package merge

import "strings"

// ContentTypeAllowed checks contentType (as sent on the wire, e.g.
// "application/json; charset=utf-8") against an allowlist of bare MIME
// types (e.g. "application/json"). An empty allowlist means no
// restriction.
func ContentTypeAllowed(contentType string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	bare := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	for _, a := range allowed {
		if strings.ToLower(strings.TrimSpace(a)) == bare {
			return true
		}
	}
	return false
}

// IsTextContentType reports whether contentType is eligible for the
// default allow_binary=false response policy: any text/* type, plus the
// common structured-text API types (json, xml, form-urlencoded).
func IsTextContentType(contentType string) bool {
	bare := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if strings.HasPrefix(bare, "text/") {
		return true
	}
	switch bare {
	case "application/json", "application/xml", "application/x-www-form-urlencoded",
		"application/javascript", "application/ld+json", "application/problem+json":
		return true
	}
	return strings.HasSuffix(bare, "+json") || strings.HasSuffix(bare, "+xml")
}

// Package trn parses and validates the Tenant Resource Name grammar used
// throughout OpenAct: trn:openact:<tenant>:<resource_kind>/<local_name>[@v<version>].
package trn

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/aionixone/openact/internal/openacterr"
)

// ResourceKind is the closed set of resource kinds a TRN may address.
type ResourceKind string

const (
	KindConnection     ResourceKind = "connection"
	KindTask           ResourceKind = "task"
	KindAuthConnection ResourceKind = "auth_connection"
)

var validKinds = map[ResourceKind]bool{
	KindConnection:     true,
	KindTask:           true,
	KindAuthConnection: true,
}

var (
	tenantPattern    = regexp.MustCompile(`^[a-z0-9-]+$`)
	localNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-./]+$`)
)

// TRN is a parsed Tenant Resource Name.
type TRN struct {
	Tenant    string
	Kind      ResourceKind
	LocalName string
	// Version is 0 when absent ("latest").
	Version int
}

// String renders the TRN back to its canonical wire form.
func (t TRN) String() string {
	s := fmt.Sprintf("trn:openact:%s:%s/%s", t.Tenant, t.Kind, t.LocalName)
	if t.Version > 0 {
		s += fmt.Sprintf("@v%d", t.Version)
	}
	return s
}

// Parse validates and decomposes a TRN string. It never returns a partially
// populated TRN on error.
func Parse(s string) (TRN, error) {
	const op = "trn.Parse"

	rest, ok := strings.CutPrefix(s, "trn:openact:")
	if !ok {
		return TRN{}, openacterr.New(openacterr.KindValidation, op, "trn must start with trn:openact:").WithDetails(map[string]any{"trn": s})
	}

	tenantAndRest := strings.SplitN(rest, ":", 2)
	if len(tenantAndRest) != 2 {
		return TRN{}, openacterr.New(openacterr.KindValidation, op, "trn missing resource_kind/local_name segment").WithDetails(map[string]any{"trn": s})
	}
	tenant, kindAndName := tenantAndRest[0], tenantAndRest[1]

	if !tenantPattern.MatchString(tenant) {
		return TRN{}, openacterr.New(openacterr.KindValidation, op, "tenant must match [a-z0-9-]+").WithDetails(map[string]any{"tenant": tenant})
	}

	kindAndLocal := strings.SplitN(kindAndName, "/", 2)
	if len(kindAndLocal) != 2 {
		return TRN{}, openacterr.New(openacterr.KindValidation, op, "trn missing '/' between resource_kind and local_name").WithDetails(map[string]any{"trn": s})
	}
	kind := ResourceKind(kindAndLocal[0])
	if !validKinds[kind] {
		return TRN{}, openacterr.New(openacterr.KindValidation, op, "unsupported resource_kind").WithDetails(map[string]any{"resource_kind": string(kind)})
	}

	localAndVersion := kindAndLocal[1]
	localName := localAndVersion
	version := 0
	if idx := strings.LastIndex(localAndVersion, "@v"); idx >= 0 {
		localName = localAndVersion[:idx]
		versionStr := localAndVersion[idx+2:]
		v, err := strconv.Atoi(versionStr)
		if err != nil || v <= 0 {
			return TRN{}, openacterr.New(openacterr.KindValidation, op, "version must be a positive integer").WithDetails(map[string]any{"version": versionStr})
		}
		version = v
	}

	if localName == "" || !localNamePattern.MatchString(localName) {
		return TRN{}, openacterr.New(openacterr.KindValidation, op, "local_name must match [A-Za-z0-9_.\\-/]+").WithDetails(map[string]any{"local_name": localName})
	}

	return TRN{Tenant: tenant, Kind: kind, LocalName: localName, Version: version}, nil
}

// MustParse panics on an invalid TRN; reserved for compile-time-constant
// TRNs (tests, fixtures), never for untrusted input.
func MustParse(s string) TRN {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Valid reports whether s is a syntactically valid TRN without returning
// the parsed structure.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Package params implements the typed connector parameter model: prefixed
// component parameters, secret injection, defaults and required-parameter
// validation. Connector constructors only ever see resolved Parameters, and
// secret values stay wrapped until a caller explicitly exposes them.
package params

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	rterrors "helios-runtime/internal/errors"
)

// Scope determines how a parameter key is spelled by the user.
type Scope int

const (
	// ScopeComponent parameters are prefixed with the connector prefix,
	// e.g. `s3_region` for the `s3` connector's `region` spec.
	ScopeComponent Scope = iota
	// ScopeRuntime parameters are spelled bare, e.g. `client_timeout`.
	ScopeRuntime
)

// Spec describes a single connector parameter.
type Spec struct {
	Name        string
	Description string
	Required    bool
	Default     string
	HasDefault  bool
	Secret      bool
	Scope       Scope
	Deprecated  bool
	// DeprecationMessage is logged when a deprecated parameter is supplied.
	DeprecationMessage string
}

// WithDefault returns a copy of the spec carrying a default value.
func (s Spec) WithDefault(v string) Spec {
	s.Default = v
	s.HasDefault = true
	return s
}

// userFacingName returns the name the user writes for this spec.
func (s Spec) userFacingName(prefix string) string {
	if s.Scope == ScopeComponent {
		return prefix + "_" + s.Name
	}
	return s.Name
}

// ============================================================================
// SECRETS
// ============================================================================

// Secret wraps a sensitive string so it cannot leak through logging or
// accidental formatting. ExposeSecret is the single unwrap point.
type Secret struct {
	value string
}

// NewSecret wraps a raw value.
func NewSecret(value string) Secret {
	return Secret{value: value}
}

// ExposeSecret returns the wrapped value.
func (s Secret) ExposeSecret() string {
	return s.value
}

// String implements fmt.Stringer and always redacts.
func (s Secret) String() string {
	return "******"
}

// SecretStore resolves secrets by key from an external source.
type SecretStore interface {
	// GetSecret returns the secret for key, or ok=false when absent.
	GetSecret(key string) (Secret, bool)
}

// ============================================================================
// LOOKUP RESULT
// ============================================================================

// Value is the result of a parameter lookup: either the parameter is present
// with a secret-wrapped value, or absent with the user-facing name the caller
// should surface in diagnostics.
type Value struct {
	secret  Secret
	present bool
	// userFacingName carries the prefixed spelling for Absent values.
	userFacingName string
}

// Present reports whether the parameter was resolved.
func (v Value) Present() bool { return v.present }

// Secret returns the resolved secret; only meaningful when Present.
func (v Value) Secret() (Secret, bool) {
	return v.secret, v.present
}

// Expose returns the raw value or "" when absent.
func (v Value) Expose() string {
	if !v.present {
		return ""
	}
	return v.secret.ExposeSecret()
}

// UserFacingName returns the spelling the user would use to supply the
// parameter; set for both present and absent values.
func (v Value) UserFacingName() string { return v.userFacingName }

// ============================================================================
// RESOLUTION
// ============================================================================

// Parameters holds resolved connector parameters keyed by bare spec name.
type Parameters struct {
	prefix string
	specs  []Spec
	values map[string]Secret
}

// Resolve builds Parameters from user-supplied key/value pairs.
//
// Resolution order:
//  1. keep user keys that match a spec (stripping the connector prefix for
//     component-scoped specs), warn and drop everything else;
//  2. ask the secret store for absent secret-flagged specs;
//  3. inject defaults for still-absent specs that have one;
//  4. fail with MISSING_REQUIRED_PARAMETER for any required spec still absent;
//  5. log deprecation warnings for deprecated specs that were provided.
func Resolve(prefix string, specs []Spec, supplied map[string]Secret, secrets SecretStore, log *zap.Logger) (*Parameters, error) {
	if log == nil {
		log = zap.NewNop()
	}
	values := make(map[string]Secret, len(specs))

	for key, val := range supplied {
		spec, ok := matchSpec(prefix, specs, key)
		if !ok {
			log.Warn("ignoring unknown parameter",
				zap.String("connector", prefix),
				zap.String("parameter", key))
			continue
		}
		values[spec.Name] = val
		if spec.Deprecated {
			msg := spec.DeprecationMessage
			if msg == "" {
				msg = fmt.Sprintf("parameter %q is deprecated", spec.userFacingName(prefix))
			}
			log.Warn(msg, zap.String("connector", prefix))
		}
	}

	if secrets != nil {
		for _, spec := range specs {
			if !spec.Secret {
				continue
			}
			if _, ok := values[spec.Name]; ok {
				continue
			}
			if v, ok := secrets.GetSecret(spec.userFacingName(prefix)); ok {
				values[spec.Name] = v
			}
		}
	}

	for _, spec := range specs {
		if _, ok := values[spec.Name]; !ok && spec.HasDefault {
			values[spec.Name] = NewSecret(spec.Default)
		}
	}

	for _, spec := range specs {
		if spec.Required {
			if _, ok := values[spec.Name]; !ok {
				return nil, rterrors.InvalidArgument(
					"MISSING_REQUIRED_PARAMETER",
					fmt.Sprintf("missing required parameter %q", spec.userFacingName(prefix)),
				).WithResource(prefix).Build()
			}
		}
	}

	return &Parameters{prefix: prefix, specs: specs, values: values}, nil
}

func matchSpec(prefix string, specs []Spec, key string) (Spec, bool) {
	for _, spec := range specs {
		if key == spec.userFacingName(prefix) {
			return spec, true
		}
	}
	return Spec{}, false
}

// Get looks up a parameter by bare spec name.
func (p *Parameters) Get(name string) Value {
	userFacing := name
	for _, spec := range p.specs {
		if spec.Name == name {
			userFacing = spec.userFacingName(p.prefix)
			break
		}
	}
	if v, ok := p.values[name]; ok {
		return Value{secret: v, present: true, userFacingName: userFacing}
	}
	return Value{userFacingName: userFacing}
}

// Prefix returns the connector prefix these parameters were resolved for.
func (p *Parameters) Prefix() string { return p.prefix }

// Names returns the bare names of all resolved parameters.
func (p *Parameters) Names() []string {
	names := make([]string, 0, len(p.values))
	for name := range p.values {
		names = append(names, name)
	}
	return names
}

// ============================================================================
// ENVIRONMENT SECRET STORE
// ============================================================================

// EnvSecretStore resolves secrets from environment variables. The key
// `s3_secret_access_key` maps to `HELIOS_SECRET_S3_SECRET_ACCESS_KEY`.
type EnvSecretStore struct {
	lookup func(string) (string, bool)
}

// NewEnvSecretStore creates an environment-backed secret store that resolves
// variables through lookup (the runtime passes a wrapper around
// os.LookupEnv; tests inject their own). A nil lookup is not replaced.
func NewEnvSecretStore(lookup func(string) (string, bool)) *EnvSecretStore {
	return &EnvSecretStore{lookup: lookup}
}

// GetSecret implements SecretStore.
func (s *EnvSecretStore) GetSecret(key string) (Secret, bool) {
	envKey := "HELIOS_SECRET_" + strings.ToUpper(key)
	if v, ok := s.lookup(envKey); ok {
		return NewSecret(v), true
	}
	return Secret{}, false
}

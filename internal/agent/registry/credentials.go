package registry

import (
	"os"
	"regexp"
)

// placeholderPattern matches an api_key that is a single ${VAR} reference.
var placeholderPattern = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// defaultCredentialEnv is the variable a literal api_key is exported
// under. Agents historically read their key from here when the catalog
// does not name a variable.
const defaultCredentialEnv = "OPENAI_API_KEY"

// Credential is an api_key resolved against the host environment,
// ready to inject into a child process.
type Credential struct {
	EnvName string
	Value   string
}

// Empty reports whether there is nothing to inject.
func (c Credential) Empty() bool {
	return c.Value == ""
}

// ResolveCredential expands the spec's api_key at lookup time. A ${VAR}
// placeholder resolves to the variable's current value and keeps VAR as
// the injection name; an unset variable yields an empty credential, so
// the agent is launched without one. A literal key is injected under
// OPENAI_API_KEY.
func ResolveCredential(spec *AgentSpec) Credential {
	if spec.APIKey == "" {
		return Credential{}
	}
	if m := placeholderPattern.FindStringSubmatch(spec.APIKey); m != nil {
		return Credential{EnvName: m[1], Value: os.Getenv(m[1])}
	}
	return Credential{EnvName: defaultCredentialEnv, Value: spec.APIKey}
}

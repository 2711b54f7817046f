// Package registry holds the immutable agent catalog loaded at startup.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/acp2/acp2/internal/common/errors"
	"github.com/acp2/acp2/internal/common/logger"
	v1 "github.com/acp2/acp2/pkg/api/v1"
)

// DefaultPath is where the catalog is looked up when nothing is
// configured. A missing file at this path falls back to the built-in
// development catalog instead of failing startup.
const DefaultPath = "config/agents.json"

// AgentSpec describes one launchable agent. Immutable after load.
type AgentSpec struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Version     string   `json:"version" yaml:"version"`
	Command     []string `json:"command" yaml:"command"`
	// APIKey is the raw catalog value and may hold a single ${VAR}
	// placeholder; use ResolveCredential for the launchable form.
	APIKey string `json:"api_key" yaml:"api_key"`
}

type catalog struct {
	Agents []*AgentSpec `json:"agents" yaml:"agents"`
}

// Registry is a read-only name index over the catalog. Enumeration
// preserves catalog order.
type Registry struct {
	specs  []*AgentSpec
	byName map[string]*AgentSpec
	logger *logger.Logger
}

// New builds a registry from already-parsed specs.
func New(specs []*AgentSpec, log *logger.Logger) (*Registry, error) {
	r := &Registry{
		specs:  specs,
		byName: make(map[string]*AgentSpec, len(specs)),
		logger: log.WithFields(zap.String("component", "agent-registry")),
	}
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, errors.ConfigError("agent catalog entry is missing a name")
		}
		if len(spec.Command) == 0 || spec.Command[0] == "" {
			return nil, errors.ConfigError(fmt.Sprintf("agent '%s' has an empty command", spec.Name))
		}
		if _, dup := r.byName[spec.Name]; dup {
			return nil, errors.ConfigError(fmt.Sprintf("agent '%s' is declared twice", spec.Name))
		}
		r.byName[spec.Name] = spec
	}
	return r, nil
}

// Load reads and validates the catalog document at path. JSON by default;
// .yaml and .yml extensions parse as YAML.
func Load(path string, log *logger.Logger) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("read agent catalog %s: %v", path, err))
	}

	var doc catalog
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("parse agent catalog %s: %v", path, err))
		}
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("parse agent catalog %s: %v", path, err))
		}
	}

	reg, err := New(doc.Agents, log)
	if err != nil {
		return nil, err
	}
	reg.logger.Info("agent catalog loaded",
		zap.String("path", path), zap.Int("agents", len(doc.Agents)))
	return reg, nil
}

// LoadOrDefault loads the catalog at path. When the file is absent at the
// default location the built-in development catalog is used; a missing
// file at an explicitly configured path is still a startup failure.
func LoadOrDefault(path string, log *logger.Logger) (*Registry, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == DefaultPath {
		log.Warn("agent catalog not found, using built-in defaults",
			zap.String("path", path))
		return New(DefaultAgents(), log)
	}
	return Load(path, log)
}

// Lookup returns the shared spec for name.
func (r *Registry) Lookup(name string) (*AgentSpec, error) {
	spec, ok := r.byName[name]
	if !ok {
		return nil, errors.AgentNotFound(name)
	}
	return spec, nil
}

// List returns all specs in catalog order. The slice is a copy; the specs
// are shared.
func (r *Registry) List() []*AgentSpec {
	out := make([]*AgentSpec, len(r.specs))
	copy(out, r.specs)
	return out
}

// Manifest returns the public description of a spec. Command and
// credentials are deliberately absent.
func (r *Registry) Manifest(spec *AgentSpec) v1.AgentManifest {
	description := spec.Description
	if description == "" {
		description = fmt.Sprintf("ACP agent '%s' exposed over the bridge", spec.Name)
	}
	version := spec.Version
	if version == "" {
		version = "0.1.0"
	}
	return v1.AgentManifest{
		Name:        spec.Name,
		Description: description,
		Version:     version,
		Capabilities: v1.AgentCapabilities{
			Modes:                []v1.RunMode{v1.RunModeSync, v1.RunModeStream},
			SupportsStreaming:    true,
			SupportsCancellation: true,
		},
	}
}

// ManifestFor is Manifest keyed by agent name.
func (r *Registry) ManifestFor(name string) (v1.AgentManifest, error) {
	spec, err := r.Lookup(name)
	if err != nil {
		return v1.AgentManifest{}, err
	}
	return r.Manifest(spec), nil
}

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/creditlock/pkg/review"
	"github.com/Mindburn-Labs/creditlock/pkg/ruleset"
)

// APIKey grants a role to whoever presents Key in X-API-Key.
type APIKey struct {
	Key  string      `yaml:"key"`
	Name string      `yaml:"name"`
	Role review.Role `yaml:"role"`
}

// File is the YAML configuration file.
type File struct {
	APIKeys     []APIKey          `yaml:"api_keys"`
	TemplateDir string            `yaml:"template_dir"`
	Rulesets    []ruleset.Ruleset `yaml:"rulesets"`
	CORSOrigins []string          `yaml:"cors_origins"`
}

// LoadFile reads and validates a configuration file. Roles are normalized to their canonical form.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	seen := make(map[string]bool, len(f.APIKeys))
	for i, k := range f.APIKeys {
		if k.Key == "" {
			return nil, fmt.Errorf("config: api_keys[%d]: key is required", i)
		}
		if seen[k.Key] {
			return nil, fmt.Errorf("config: api_keys[%d] (%s): duplicate key", i, k.Name)
		}
		seen[k.Key] = true
		role, ok := review.ParseRole(string(k.Role))
		if !ok {
			return nil, fmt.Errorf("config: api_keys[%d] (%s): unknown role %q", i, k.Name, k.Role)
		}
		f.APIKeys[i].Role = role
		if k.Name == "" {
			f.APIKeys[i].Name = string(role)
		}
	}
	return &f, nil
}

// KeyRoles returns the API key to key mapping.
func (f *File) KeyRoles() map[string]APIKey {
	out := make(map[string]APIKey, len(f.APIKeys))
	for _, k := range f.APIKeys {
		out[k.Key] = k
	}
	return out
}

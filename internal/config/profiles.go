package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Profile is a named backend selection loaded from the profiles file.
type Profile struct {
	Kind   string            `yaml:"kind"`
	Params map[string]string `yaml:"params"`
	Env    map[string]string `yaml:"env"`
	Cwd    string            `yaml:"cwd"`
}

type profileFile struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

// Profiles maps profile names to backend selections.
type Profiles map[string]Profile

// LoadProfiles reads a YAML profiles file. A missing path yields an empty set.
func LoadProfiles(path string) (Profiles, error) {
	if path == "" {
		return Profiles{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Profiles{}, nil
		}
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return ParseProfiles(data)
}

// ParseProfiles decodes profile YAML and validates each entry has a kind.
func ParseProfiles(data []byte) (Profiles, error) {
	var pf profileFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	out := Profiles{}
	for name, p := range pf.Profiles {
		if p.Kind == "" {
			return nil, fmt.Errorf("profile %q: kind is required", name)
		}
		out[name] = p
	}
	return out, nil
}

// Names returns the profile names in sorted order.
func (p Profiles) Names() []string {
	names := make([]string, 0, len(p))
	for n := range p {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

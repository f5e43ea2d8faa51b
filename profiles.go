package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SimplifyProfile is a named pair of simplification thresholds
type SimplifyProfile struct {
	Name              string  `yaml:"name" json:"name"`
	DistanceThreshold float64 `yaml:"distanceThreshold" json:"distanceThreshold"`
	AngleThreshold    float64 `yaml:"angleThreshold" json:"angleThreshold"`
}

// SimplifyProfiles maps profile names to thresholds
type SimplifyProfiles map[string]SimplifyProfile

type profilesFile struct {
	Profiles []SimplifyProfile `yaml:"profiles"`
}

// DefaultProfiles returns the built-in profile set
func DefaultProfiles() SimplifyProfiles {
	return SimplifyProfiles{
		"default": {Name: "default", DistanceThreshold: DefaultDistanceThreshold, AngleThreshold: DefaultAngleThreshold},
	}
}

// LoadSimplifyProfiles reads threshold profiles from a YAML file.
// Profiles in the file are added to the built-in set and may override "default".
func LoadSimplifyProfiles(path string) (SimplifyProfiles, error) {
	profiles := DefaultProfiles()
	if path == "" {
		return profiles, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return profiles, nil
		}
		return nil, fmt.Errorf("reading profiles file: %w", err)
	}

	var file profilesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing profiles YAML: %w", err)
	}

	for i, p := range file.Profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("profiles[%d].name is required", i)
		}
		if p.DistanceThreshold < 0 || p.AngleThreshold < 0 || p.AngleThreshold > 180 {
			return nil, fmt.Errorf("profile %s has out of range thresholds", p.Name)
		}
		profiles[p.Name] = p
	}

	return profiles, nil
}

// Get returns the named profile, falling back to "default" for an empty name
func (p SimplifyProfiles) Get(name string) (SimplifyProfile, error) {
	if name == "" {
		name = "default"
	}
	profile, ok := p[name]
	if !ok {
		return SimplifyProfile{}, &UnknownProfileError{Name: name}
	}
	return profile, nil
}

// UnknownProfileError is returned for a profile name that is not configured
type UnknownProfileError struct {
	Name string
}

func (e *UnknownProfileError) Error() string {
	return fmt.Sprintf("unknown simplify profile: %s", e.Name)
}

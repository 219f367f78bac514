package config

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/sabowaryan/agent-karma/pkg/contracts"
)

// SupportedParamsVersion is the params file format this build reads.
const SupportedParamsVersion = "^1.0.0"

// ParamsFile is the YAML layout of a protocol parameter file:
//
//	version: 1.0.0
//	parameters:
//	  rating_fee: 2
//	  quorum_required: 250
type ParamsFile struct {
	Version    string           `yaml:"version"`
	Parameters map[string]int64 `yaml:"parameters"`
}

// LoadParams reads path and overlays its parameters onto the defaults.
func LoadParams(path string) (contracts.Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return contracts.Params{}, fmt.Errorf("load params %q: %w", path, err)
	}
	return ParseParams(data)
}

// ParseParams decodes a params file body.
func ParseParams(data []byte) (contracts.Params, error) {
	var f ParamsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return contracts.Params{}, fmt.Errorf("parse params: %w", err)
	}

	v, err := semver.NewVersion(f.Version)
	if err != nil {
		return contracts.Params{}, fmt.Errorf("params version %q: %w", f.Version, err)
	}
	c, err := semver.NewConstraint(SupportedParamsVersion)
	if err != nil {
		return contracts.Params{}, err
	}
	if !c.Check(v) {
		return contracts.Params{}, fmt.Errorf("params version %s not supported (want %s)", v, SupportedParamsVersion)
	}

	p := contracts.DefaultParams()
	for name, value := range f.Parameters {
		if err := p.Set(name, value); err != nil {
			return contracts.Params{}, err
		}
	}
	if err := p.Validate(); err != nil {
		return contracts.Params{}, err
	}
	return p, nil
}

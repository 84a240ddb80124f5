package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/tabhub/internal/pool"
)

// Policy is the optional YAML file shaping pool behavior.
type Policy struct {
	Eviction    string   `yaml:"eviction"`
	MaxTabs     int      `yaml:"max_tabs"`
	StartupURLs []string `yaml:"startup_urls"`
	Readiness   struct {
		MaxWaitMs     int  `yaml:"max_wait_ms"`
		SkipVisual    bool `yaml:"skip_visual"`
		IdleThreshold int  `yaml:"idle_threshold_ms"`
	} `yaml:"readiness"`
}

// EvictionPolicy parses the configured eviction mode.
func (p *Policy) EvictionPolicy() pool.EvictionPolicy {
	ep, _ := pool.ParseEvictionPolicy(p.Eviction)
	return ep
}

// DefaultPolicy is used when no policy file is configured.
func DefaultPolicy() *Policy {
	return &Policy{Eviction: string(pool.EvictFIFO), MaxTabs: pool.MaxTabs}
}

// LoadPolicy reads and validates a policy file. An empty path or a missing
// file yields DefaultPolicy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultPolicy(), nil
		}
		return nil, fmt.Errorf("policy config: %w", err)
	}
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("policy config: %w", err)
	}
	if _, err := pool.ParseEvictionPolicy(p.Eviction); err != nil {
		return nil, fmt.Errorf("policy config: %w", err)
	}
	if p.MaxTabs == 0 {
		p.MaxTabs = pool.MaxTabs
	}
	if p.MaxTabs < 1 || p.MaxTabs > pool.MaxTabs {
		return nil, fmt.Errorf("policy config: max_tabs must be between 1 and %d", pool.MaxTabs)
	}
	if len(p.StartupURLs) > p.MaxTabs {
		return nil, fmt.Errorf("policy config: %d startup_urls exceed max_tabs %d", len(p.StartupURLs), p.MaxTabs)
	}
	for i, u := range p.StartupURLs {
		if u == "" {
			return nil, fmt.Errorf("policy config: startup_urls[%d] is empty", i)
		}
	}
	if p.Readiness.MaxWaitMs < 0 || p.Readiness.IdleThreshold < 0 {
		return nil, fmt.Errorf("policy config: readiness durations must not be negative")
	}
	return p, nil
}

package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/gridpulse/fleetsched/core/coordinator"
	"github.com/gridpulse/fleetsched/core/metrics"
	"github.com/gridpulse/fleetsched/device/agent"
	"github.com/gridpulse/fleetsched/infra/mqtt"
	"github.com/gridpulse/fleetsched/infra/store"
)

type Config struct {
	MQTT        mqtt.Config        `json:"mqtt"`
	Store       store.Config       `json:"store"`
	Coordinator coordinator.Config `json:"coordinator"`
	Agent       agent.Config       `json:"agent"`
	Metrics     metrics.Config     `json:"metrics"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("K_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "k_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.MQTT.SetDefaults()
	cfg.Store.SetDefaults()
	cfg.Coordinator.SetDefaults()
	cfg.Metrics.SetDefaults()
	if err := cfg.MQTT.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Store.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadAgent loads a device-side configuration, additionally applying and
// checking the agent section.
func LoadAgent(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.Agent.SetDefaults()
	if err := cfg.Agent.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

package mobilesim

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scp81lab/adminserver/pkg/psktls"
)

// ScenarioConfig is the on-disk YAML description of one simulated
// UICC run, parsed the same way pkg/config parses the server's
// configuration tree: typed struct, gopkg.in/yaml.v3, eager validation.
type ScenarioConfig struct {
	ServerAddr string `yaml:"server_addr"`
	Host       string `yaml:"host"`
	AdminPath  string `yaml:"admin_path"`

	Identity string `yaml:"identity"`
	KeyHex   string `yaml:"key_hex"`
	Tier     string `yaml:"cipher_tier"` // production|legacy|debug_only

	Behavior BehaviorScenario `yaml:"behavior"`
}

// BehaviorScenario is the YAML shape of BehaviorConfig; durations are
// given in milliseconds since that's the natural unit for fault
// injection windows (spec §4.7's example ranges are all sub-second).
type BehaviorScenario struct {
	Mode string `yaml:"mode"`

	FixedDelayMs int `yaml:"fixed_delay_ms"`

	ErrorProbability float64  `yaml:"error_probability"`
	InjectedSWs      []string `yaml:"injected_sws"`

	TimeoutProbability float64 `yaml:"timeout_probability"`
	MinDelayMs          int    `yaml:"min_delay_ms"`
	MaxDelayMs          int    `yaml:"max_delay_ms"`
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*ScenarioConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mobilesim: read scenario: %w", err)
	}
	var sc ScenarioConfig
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("mobilesim: parse scenario: %w", err)
	}
	sc.applyDefaults()
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (sc *ScenarioConfig) applyDefaults() {
	if sc.Tier == "" {
		sc.Tier = "production"
	}
	if sc.Behavior.Mode == "" {
		sc.Behavior.Mode = string(BehaviorNormal)
	}
}

func (sc *ScenarioConfig) validate() error {
	if sc.ServerAddr == "" {
		return fmt.Errorf("mobilesim: scenario missing server_addr")
	}
	if sc.Identity == "" {
		return fmt.Errorf("mobilesim: scenario missing identity")
	}
	if _, err := hex.DecodeString(sc.KeyHex); err != nil {
		return fmt.Errorf("mobilesim: scenario key_hex invalid: %w", err)
	}
	switch sc.Tier {
	case "production", "legacy", "debug_only":
	default:
		return fmt.Errorf("mobilesim: scenario cipher_tier must be production, legacy, or debug_only")
	}
	switch BehaviorMode(sc.Behavior.Mode) {
	case BehaviorNormal, BehaviorError, BehaviorTimeout:
	default:
		return fmt.Errorf("mobilesim: scenario behavior.mode %q unrecognized", sc.Behavior.Mode)
	}
	return nil
}

// ClientConfig materializes this scenario into a dialable client
// configuration.
func (sc *ScenarioConfig) ClientConfig() (ClientConfig, error) {
	key, err := hex.DecodeString(sc.KeyHex)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("mobilesim: decode key_hex: %w", err)
	}

	injected := make([]uint16, 0, len(sc.Behavior.InjectedSWs))
	for _, s := range sc.Behavior.InjectedSWs {
		var word uint16
		if _, err := fmt.Sscanf(s, "%04X", &word); err != nil {
			return ClientConfig{}, fmt.Errorf("mobilesim: decode injected sw %q: %w", s, err)
		}
		injected = append(injected, word)
	}

	return ClientConfig{
		ServerAddr: sc.ServerAddr,
		Host:       sc.Host,
		AdminPath:  sc.AdminPath,
		Identity:   sc.Identity,
		Key:        key,
		Tier:       psktls.Tier(sc.Tier),
		Behavior: BehaviorConfig{
			Mode:                BehaviorMode(sc.Behavior.Mode),
			FixedDelay:          time.Duration(sc.Behavior.FixedDelayMs) * time.Millisecond,
			ErrorProbability:    sc.Behavior.ErrorProbability,
			InjectedSWs:         injected,
			TimeoutProbability:  sc.Behavior.TimeoutProbability,
			MinDelay:            time.Duration(sc.Behavior.MinDelayMs) * time.Millisecond,
			MaxDelay:            time.Duration(sc.Behavior.MaxDelayMs) * time.Millisecond,
		},
	}, nil
}

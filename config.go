package tierheap

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/tailscale/hujson"
)

// Environment variables recognized at Build. Any non-numeric or negative
// value is fatal.
const (
	// EnvMeasureWindow is the hotness measurement window W in nanoseconds.
	EnvMeasureWindow = "HOTNESS_MEASURE_WINDOW"

	// EnvSampleFrequency is the hardware sample period; a smaller value
	// samples more often.
	EnvSampleFrequency = "SAMPLE_FREQUENCY"

	// EnvPebsFreqHz is the sampling worker's wake frequency in Hz.
	EnvPebsFreqHz = "PEBS_FREQ_HZ"

	// EnvWeightOld is the decay base w_old in (0,1): the weight of a full
	// window-old hotness contribution.
	EnvWeightOld = "OLD_TIME_WINDOW_HOTNESS_WEIGHT"

	// EnvMemTiers holds the tier configuration consumed by the CLI
	// wrappers, in HuJSON.
	EnvMemTiers = "MEMKIND_MEM_TIERS"
)

// Defaults applied when the environment is silent.
const (
	DefaultMeasureWindow   = 1_000_000_000 // 1 s in ns
	DefaultSamplePeriod    = 100_000       // accesses per sample
	DefaultWakeFrequencyHz = 10.0
	DefaultWeightOld       = 0.2
)

// envConfig is the parsed hotness environment.
type envConfig struct {
	window       uint64
	samplePeriod float64
	wakeFreqHz   float64
	weightOld    float64
}

// parseEnvConfig reads the hotness variables through lookup (os.Getenv in
// production; injected in tests).
func parseEnvConfig(lookup func(string) string) (envConfig, error) {
	cfg := envConfig{
		window:       DefaultMeasureWindow,
		samplePeriod: DefaultSamplePeriod,
		wakeFreqHz:   DefaultWakeFrequencyHz,
		weightOld:    DefaultWeightOld,
	}

	if v := lookup(EnvMeasureWindow); v != "" {
		w, err := parseUint(v)
		if err != nil {
			return envConfig{}, fmt.Errorf("%w: %s=%q: %v", ErrInvalidEnv, EnvMeasureWindow, v, err)
		}

		if w == 0 {
			return envConfig{}, fmt.Errorf("%w: %s must be positive", ErrInvalidEnv, EnvMeasureWindow)
		}

		cfg.window = w
	}

	if v := lookup(EnvSampleFrequency); v != "" {
		f, err := parsePositiveFloat(v)
		if err != nil {
			return envConfig{}, fmt.Errorf("%w: %s=%q: %v", ErrInvalidEnv, EnvSampleFrequency, v, err)
		}

		cfg.samplePeriod = f
	}

	if v := lookup(EnvPebsFreqHz); v != "" {
		f, err := parsePositiveFloat(v)
		if err != nil {
			return envConfig{}, fmt.Errorf("%w: %s=%q: %v", ErrInvalidEnv, EnvPebsFreqHz, v, err)
		}

		cfg.wakeFreqHz = f
	}

	if v := lookup(EnvWeightOld); v != "" {
		f, err := parsePositiveFloat(v)
		if err != nil {
			return envConfig{}, fmt.Errorf("%w: %s=%q: %v", ErrInvalidEnv, EnvWeightOld, v, err)
		}

		if f >= 1 {
			return envConfig{}, fmt.Errorf("%w: %s must lie in (0,1)", ErrInvalidEnv, EnvWeightOld)
		}

		cfg.weightOld = f
	}

	return cfg, nil
}

func parseUint(s string) (uint64, error) {
	if len(s) > 0 && s[0] == '-' {
		return 0, fmt.Errorf("negative value")
	}

	return strconv.ParseUint(s, 0, 64)
}

func parsePositiveFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}

	if f <= 0 {
		return 0, fmt.Errorf("must be positive")
	}

	return f, nil
}

// TierSpec describes one tier in a TierConfig.
type TierSpec struct {
	// Kind names the backing kind; "hot" and "cold" select the built-in
	// pool-allocator kinds.
	Kind string `json:"kind"`

	// Ratio is the tier's ratio weight.
	Ratio uint `json:"ratio"`

	// MaxBytes caps the kind's reserved range; 0 selects the default.
	MaxBytes uint64 `json:"max_bytes,omitempty"`
}

// TierConfig is the embedding layer's tier description, carried in
// MEMKIND_MEM_TIERS as HuJSON (comments and trailing commas permitted).
type TierConfig struct {
	Policy string     `json:"policy"`
	Tiers  []TierSpec `json:"tiers"`
}

// ParseTierConfig standardizes HuJSON input and decodes it.
func ParseTierConfig(data []byte) (TierConfig, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return TierConfig{}, fmt.Errorf("%w: invalid HuJSON: %v", ErrInvalidEnv, err)
	}

	var cfg TierConfig

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return TierConfig{}, fmt.Errorf("%w: invalid JSON: %v", ErrInvalidEnv, err)
	}

	if len(cfg.Tiers) == 0 {
		return TierConfig{}, fmt.Errorf("%w: no tiers defined", ErrInvalidEnv)
	}

	for i, tier := range cfg.Tiers {
		if tier.Kind == "" {
			return TierConfig{}, fmt.Errorf("%w: tier %d has no kind", ErrInvalidEnv, i)
		}

		if tier.Ratio == 0 {
			return TierConfig{}, fmt.Errorf("%w: tier %d has zero ratio", ErrInvalidEnv, i)
		}
	}

	return cfg, nil
}

// PolicyFromString maps a TierConfig policy name to a Policy.
func PolicyFromString(s string) (Policy, error) {
	switch s {
	case "static_ratio", "":
		return PolicyStaticRatio, nil
	case "dynamic_threshold":
		return PolicyDynamicThreshold, nil
	case "data_hotness":
		return PolicyDataHotness, nil
	}

	return 0, fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
}

// TierConfigFromEnv reads MEMKIND_MEM_TIERS. The second return is false when
// the variable is unset.
func TierConfigFromEnv() (TierConfig, bool, error) {
	v := os.Getenv(EnvMemTiers)
	if v == "" {
		return TierConfig{}, false, nil
	}

	cfg, err := ParseTierConfig([]byte(v))
	if err != nil {
		return TierConfig{}, true, err
	}

	return cfg, true, nil
}

package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// ThresholdFixture mirrors one entry of a lifecycle.ThresholdRule loaded
// from a TOML policy-defaults fixture (spec §4.C9 "Threshold semantics").
type ThresholdFixture struct {
	Field    string `toml:"field"`
	Operator string `toml:"operator"`
	Value    any    `toml:"value"`
	Action   string `toml:"action"`
}

// TimerPolicyFixture mirrors a lifecycle-timer-policy default loaded from
// a TOML fixture (meta.lifecycle_timer_policy, spec §6), used to seed a
// new tenant's timer policies before any admin has configured overrides.
type TimerPolicyFixture struct {
	Entity             string             `toml:"entity"`
	TimerType          string             `toml:"timer_type"`
	DelayType          string             `toml:"delay_type"`
	DelayMs            int64              `toml:"delay_ms"`
	DelayFromField     string             `toml:"delay_from_field"`
	DelayOffsetMs      int64              `toml:"delay_offset_ms"`
	TargetOperationCode string            `toml:"target_operation_code"`
	CancelOnAnyTransition bool            `toml:"cancel_on_any_transition"`
	CancelOnStates     []string           `toml:"cancel_on_states"`
	Thresholds         []ThresholdFixture `toml:"thresholds"`
}

// PolicyDefaultsFixture is the top-level shape of a policy/timer-policy
// defaults TOML file, the IR/cache feature-flag fixture format
// SPEC_FULL's AMBIENT STACK "Configuration" section names.
type PolicyDefaultsFixture struct {
	TimerPolicies []TimerPolicyFixture `toml:"timer_policy"`
	FeatureFlags  map[string]bool      `toml:"feature_flags"`
}

// LoadPolicyDefaults reads and parses a TOML fixture file at path. Returns
// an empty fixture (not an error) if the file does not exist, following a
// "return zero value on missing file" convention for optional,
// best-effort configuration inputs.
func LoadPolicyDefaults(path string) (*PolicyDefaultsFixture, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is operator-supplied config, not request input
	if err != nil {
		if os.IsNotExist(err) {
			return &PolicyDefaultsFixture{}, nil
		}
		return nil, fmt.Errorf("config: read policy defaults %s: %w", path, err)
	}
	var fixture PolicyDefaultsFixture
	if err := toml.Unmarshal(data, &fixture); err != nil {
		return nil, fmt.Errorf("config: parse policy defaults %s: %w", path, err)
	}
	return &fixture, nil
}

// FeatureEnabled reports whether name is set in the fixture's
// feature_flags table; a nil fixture has no flags set. The Generic Data
// Service does not read it: effective dating is gated by the entity's
// schema metadata (schema.Metadata.EffectiveDatingEnabled).
func (f *PolicyDefaultsFixture) FeatureEnabled(name string) bool {
	if f == nil {
		return false
	}
	return f.FeatureFlags[name]
}

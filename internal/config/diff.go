package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Only fields that can
// be safely applied to a running system are tracked individually; everything
// else lands in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ActiveProviderChanged is set when decision.active_provider changed and
	// can be applied through a live provider swap.
	ActiveProviderChanged bool
	NewActiveProvider     string

	// FlowChanged is set when the flow tables or channel toggles changed.
	FlowChanged bool
	NewFlow     FlowConfig

	// RestartRequired lists config sections that changed but cannot be
	// applied without a restart, e.g. "inputs" or "llm".
	RestartRequired []string
}

// Empty reports whether no change was detected.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ActiveProviderChanged && !d.FlowChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	if old.Decision.ActiveProvider != new.Decision.ActiveProvider {
		d.ActiveProviderChanged = true
		d.NewActiveProvider = new.Decision.ActiveProvider
	}

	if !flowEqual(old.Flow, new.Flow) {
		d.FlowChanged = true
		d.NewFlow = new.Flow
	}

	// Everything below needs a rebuild of the affected component.
	if old.Server != new.Server {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Bus != new.Bus {
		d.RestartRequired = append(d.RestartRequired, "bus")
	}
	if !reflect.DeepEqual(old.Inputs, new.Inputs) {
		d.RestartRequired = append(d.RestartRequired, "inputs")
	}
	if !decisionEqualIgnoringActive(old.Decision, new.Decision) {
		d.RestartRequired = append(d.RestartRequired, "decision")
	}
	if !reflect.DeepEqual(old.Outputs, new.Outputs) {
		d.RestartRequired = append(d.RestartRequired, "outputs")
	}
	if !reflect.DeepEqual(old.Pipelines, new.Pipelines) {
		d.RestartRequired = append(d.RestartRequired, "pipelines")
	}
	if !reflect.DeepEqual(old.LLM, new.LLM) {
		d.RestartRequired = append(d.RestartRequired, "llm")
	}
	if old.Prompts != new.Prompts {
		d.RestartRequired = append(d.RestartRequired, "prompts")
	}
	if old.Memory != new.Memory {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}

	return d
}

func flowEqual(a, b FlowConfig) bool {
	if a.TTSEnabled != b.TTSEnabled || a.SubtitleEnabled != b.SubtitleEnabled || a.ExpressionEnabled != b.ExpressionEnabled {
		return false
	}
	if a.MemoryLog != b.MemoryLog {
		return false
	}
	if !maps.Equal(a.ActionHotkeys, b.ActionHotkeys) {
		return false
	}
	if len(a.EmotionMap) != len(b.EmotionMap) {
		return false
	}
	for emotion, params := range a.EmotionMap {
		other, ok := b.EmotionMap[emotion]
		if !ok || !maps.Equal(params, other) {
			return false
		}
	}
	return true
}

// decisionEqualIgnoringActive compares decision configs with active_provider
// masked out, since that field is applied through a live swap instead.
func decisionEqualIgnoringActive(a, b DecisionConfig) bool {
	if !slices.Equal(a.AvailableProviders, b.AvailableProviders) {
		return false
	}
	if a.DecideTimeoutSeconds != b.DecideTimeoutSeconds || a.SwapQueueSize != b.SwapQueueSize || a.SwapGraceSeconds != b.SwapGraceSeconds {
		return false
	}
	return reflect.DeepEqual(a.Providers, b.Providers)
}

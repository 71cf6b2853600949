package types

import "time"

// ExpressionParameters is the rendering bundle fanned out to output providers.
// The flow coordinator builds one per intent; output pipelines may mutate or
// drop it; each output provider receives its own [ExpressionParameters.Clone].
type ExpressionParameters struct {
	// TTSText is the text handed to speech synthesis.
	TTSText string `json:"tts_text"`

	// SubtitleText is the text shown on subtitle surfaces. Usually equals
	// TTSText but pipelines may diverge them.
	SubtitleText string `json:"subtitle_text"`

	// Expressions maps avatar parameter names to values clamped to [0,1].
	Expressions map[string]float64 `json:"expressions,omitempty"`

	// Hotkeys are avatar hotkey identifiers to trigger, in order.
	Hotkeys []string `json:"hotkeys,omitempty"`

	// Actions are carried through from the intent for providers that handle
	// them natively.
	Actions []IntentAction `json:"actions,omitempty"`

	Emotion Emotion `json:"emotion"`

	TTSEnabled        bool `json:"tts_enabled"`
	SubtitleEnabled   bool `json:"subtitle_enabled"`
	ExpressionEnabled bool `json:"expression_enabled"`

	Priority int `json:"priority,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// ClampExpressions forces every expression value into [0,1] in place.
func (p *ExpressionParameters) ClampExpressions() {
	for name, v := range p.Expressions {
		p.Expressions[name] = clamp01(v)
	}
}

// Clone returns a deep copy so concurrent output providers never share
// mutable state.
func (p *ExpressionParameters) Clone() *ExpressionParameters {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Expressions != nil {
		cp.Expressions = make(map[string]float64, len(p.Expressions))
		for k, v := range p.Expressions {
			cp.Expressions[k] = v
		}
	}
	if p.Hotkeys != nil {
		cp.Hotkeys = append([]string(nil), p.Hotkeys...)
	}
	if p.Actions != nil {
		cp.Actions = make([]IntentAction, len(p.Actions))
		for i, a := range p.Actions {
			cp.Actions[i] = a
			if a.Params != nil {
				params := make(map[string]any, len(a.Params))
				for k, v := range a.Params {
					params[k] = v
				}
				cp.Actions[i].Params = params
			}
		}
	}
	if p.Metadata != nil {
		cp.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

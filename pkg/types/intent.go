package types

import "strings"

// Emotion is the affect a decision attaches to its response.
type Emotion string

const (
	EmotionNeutral   Emotion = "neutral"
	EmotionHappy     Emotion = "happy"
	EmotionSad       Emotion = "sad"
	EmotionAngry     Emotion = "angry"
	EmotionSurprised Emotion = "surprised"
	EmotionLove      Emotion = "love"
)

// IsValid reports whether e is one of the known emotions.
func (e Emotion) IsValid() bool {
	switch e {
	case EmotionNeutral, EmotionHappy, EmotionSad, EmotionAngry, EmotionSurprised, EmotionLove:
		return true
	}
	return false
}

// ParseEmotion maps a freeform string to an [Emotion]. Matching is
// case-insensitive; anything unrecognized becomes [EmotionNeutral].
func ParseEmotion(s string) Emotion {
	e := Emotion(strings.ToLower(strings.TrimSpace(s)))
	if e.IsValid() {
		return e
	}
	return EmotionNeutral
}

// IntentAction is one concrete thing the avatar should do alongside speaking:
// trigger an expression, fire a hotkey, play a motion.
type IntentAction struct {
	Type     string         `json:"type"`
	Params   map[string]any `json:"params,omitempty"`
	Priority int            `json:"priority,omitempty"`
}

// Intent is the decision layer's output for one normalized message. Exactly
// one Intent is emitted per message that survives the input pipeline, even
// when the decider fails (see the decision manager's fallback).
type Intent struct {
	// OriginalText is the message text the decision was made for.
	OriginalText string `json:"original_text"`

	// ResponseText is what the avatar should say.
	ResponseText string `json:"response_text"`

	// Emotion colors the response.
	Emotion Emotion `json:"emotion"`

	// Actions are ordered avatar actions to run alongside the response.
	Actions []IntentAction `json:"actions,omitempty"`

	// Metadata carries diagnostic detail. A failed decision sets
	// Metadata["error"] to the failure kind.
	Metadata map[string]any `json:"metadata,omitempty"`
}

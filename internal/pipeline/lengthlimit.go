package pipeline

import (
	"context"

	"github.com/vtforge/hibiki/pkg/provider"
	"github.com/vtforge/hibiki/pkg/types"
)

// LengthLimitName is the configuration name of the length limit stage.
const LengthLimitName = "length_limit"

// DefaultLengthLimitPriority runs truncation last in the output chain.
const DefaultLengthLimitPriority = 200

// LengthLimit truncates over-long speech and subtitle texts with an ellipsis.
// Long responses make the avatar monologue; cutting them keeps the stream
// conversational.
//
// Options:
//
//	max_length  maximum text length in runes (default 200)
type LengthLimit struct {
	max int
}

var _ ParamsPipeline = (*LengthLimit)(nil)

// NewLengthLimit builds a length limit stage from its options block.
func NewLengthLimit(opts map[string]any) *LengthLimit {
	return &LengthLimit{
		max: provider.IntOption(opts, "max_length", 200),
	}
}

// Name implements [Pipeline].
func (ll *LengthLimit) Name() string { return LengthLimitName }

// Process truncates TTSText and SubtitleText in place.
func (ll *LengthLimit) Process(_ context.Context, params *types.ExpressionParameters) (*types.ExpressionParameters, error) {
	if ll.max <= 0 {
		return params, nil
	}
	params.TTSText = truncateRunes(params.TTSText, ll.max)
	params.SubtitleText = truncateRunes(params.SubtitleText, ll.max)
	return params, nil
}

// truncateRunes cuts s down to max runes, appending an ellipsis when
// anything was removed.
func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/vtforge/hibiki/pkg/provider"
	"github.com/vtforge/hibiki/pkg/types"
)

// ProfanityName is the configuration name of the profanity stage.
const ProfanityName = "profanity"

// DefaultProfanityPriority places masking before length limiting so that a
// mask never gets cut in half by truncation.
const DefaultProfanityPriority = 100

// Profanity masks configured words and patterns in the speech and subtitle
// texts. Words match whole words case-insensitively; patterns are raw regular
// expressions for anything word boundaries cannot express.
//
// With no words and no patterns configured the stage passes everything
// through unchanged.
//
// Options:
//
//	words        list of words to mask
//	patterns     list of regular expressions to mask
//	replacement  mask text (default "***")
type Profanity struct {
	re          *regexp.Regexp
	replacement string
}

var _ ParamsPipeline = (*Profanity)(nil)

// NewProfanity builds a profanity mask stage from its options block.
// It fails when a configured pattern does not compile.
func NewProfanity(opts map[string]any) (*Profanity, error) {
	words := provider.StringsOption(opts, "words")
	patterns := provider.StringsOption(opts, "patterns")

	p := &Profanity{
		replacement: provider.StringOption(opts, "replacement", "***"),
	}

	var alts []string
	if len(words) > 0 {
		quoted := make([]string, len(words))
		for i, w := range words {
			quoted[i] = regexp.QuoteMeta(w)
		}
		alts = append(alts, `\b(?:`+strings.Join(quoted, "|")+`)\b`)
	}
	for _, pat := range patterns {
		alts = append(alts, "(?:"+pat+")")
	}
	if len(alts) == 0 {
		return p, nil
	}

	re, err := regexp.Compile("(?i)(?:" + strings.Join(alts, "|") + ")")
	if err != nil {
		return nil, fmt.Errorf("pipeline: profanity pattern: %w", err)
	}
	p.re = re
	return p, nil
}

// Name implements [Pipeline].
func (p *Profanity) Name() string { return ProfanityName }

// Process masks matches in TTSText and SubtitleText in place.
func (p *Profanity) Process(_ context.Context, params *types.ExpressionParameters) (*types.ExpressionParameters, error) {
	if p.re == nil {
		return params, nil
	}
	params.TTSText = p.re.ReplaceAllString(params.TTSText, p.replacement)
	params.SubtitleText = p.re.ReplaceAllString(params.SubtitleText, p.replacement)
	return params, nil
}

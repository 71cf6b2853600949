package pipeline

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/vtforge/hibiki/internal/config"
	"github.com/vtforge/hibiki/pkg/types"
)

// NewInputChain builds the message chain from the pipelines.input config
// section. Disabled entries are skipped; unknown names fail startup.
func NewInputChain(cfgs map[string]config.PipelineConfig, log *slog.Logger) (*MessageChain, error) {
	chain := NewChain[*types.NormalizedMessage](log)
	for _, name := range sortedNames(cfgs) {
		pc := cfgs[name]
		if !pc.Enabled {
			continue
		}
		switch name {
		case RateLimitName:
			chain.Add(NewRateLimit(pc.Options), stageConfig(pc, DefaultRateLimitPriority))
		case SimilarTextName:
			chain.Add(NewSimilarText(pc.Options), stageConfig(pc, DefaultSimilarTextPriority))
		default:
			return nil, fmt.Errorf("pipeline: unknown input pipeline %q", name)
		}
	}
	return chain, nil
}

// NewOutputChain builds the parameter chain from the pipelines.output config
// section.
func NewOutputChain(cfgs map[string]config.PipelineConfig, log *slog.Logger) (*ParamsChain, error) {
	chain := NewChain[*types.ExpressionParameters](log)
	for _, name := range sortedNames(cfgs) {
		pc := cfgs[name]
		if !pc.Enabled {
			continue
		}
		switch name {
		case ProfanityName:
			p, err := NewProfanity(pc.Options)
			if err != nil {
				return nil, err
			}
			chain.Add(p, stageConfig(pc, DefaultProfanityPriority))
		case LengthLimitName:
			chain.Add(NewLengthLimit(pc.Options), stageConfig(pc, DefaultLengthLimitPriority))
		default:
			return nil, fmt.Errorf("pipeline: unknown output pipeline %q", name)
		}
	}
	return chain, nil
}

// stageConfig translates a config block into a [StageConfig], substituting
// the stage's built-in priority when the config leaves it zero.
func stageConfig(pc config.PipelineConfig, defaultPriority int) StageConfig {
	priority := pc.Priority
	if priority == 0 {
		priority = defaultPriority
	}
	return StageConfig{
		Priority:      priority,
		ErrorHandling: pc.ErrorHandling,
		Timeout:       pc.Timeout(),
	}
}

func sortedNames(cfgs map[string]config.PipelineConfig) []string {
	return slices.Sorted(maps.Keys(cfgs))
}

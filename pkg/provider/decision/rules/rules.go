// Package rules provides the rule-engine decision provider: an ordered list
// of keyword/regex rules mapped to canned responses. It needs no network and
// no model, which makes it the deterministic fallback brain and the provider
// of choice for tests and offline streams.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vtforge/hibiki/pkg/provider"
	"github.com/vtforge/hibiki/pkg/provider/decision"
	"github.com/vtforge/hibiki/pkg/types"
)

// Name is the provider's registry name.
const Name = "rule_engine"

var _ decision.Provider = (*Provider)(nil)

// Rule is one keyword/regex rule. A rule matches when any keyword occurs in
// the message text (case-insensitive substring) or when the pattern matches.
type Rule struct {
	// Label identifies the rule in logs and intent metadata. Optional.
	Label string `yaml:"label"`

	// Keywords are case-insensitive substrings.
	Keywords []string `yaml:"keywords"`

	// Pattern is a Go regular expression, tried after the keywords.
	Pattern string `yaml:"pattern"`

	// Response is the text to answer with.
	Response string `yaml:"response"`

	// Emotion names a [types.Emotion]; unknown values become neutral.
	Emotion string `yaml:"emotion"`

	// Actions are expression names to trigger alongside the response.
	Actions []string `yaml:"actions"`
}

type rulesConfig struct {
	Rules           []Rule `yaml:"rules"`
	RulesFile       string `yaml:"rules_file"`
	DefaultResponse string `yaml:"default_response"`
}

type compiledRule struct {
	rule     Rule
	keywords []string
	pattern  *regexp.Regexp
}

// Provider matches messages against its rule list; first match wins.
type Provider struct {
	log        *slog.Logger
	rules      []compiledRule
	defaultTxt string
}

// New creates an empty rule engine; rules arrive via Setup.
func New() *Provider {
	return &Provider{}
}

// Name implements [decision.Provider].
func (p *Provider) Name() string { return Name }

// Setup implements [decision.Provider]. Rules come from the inline "rules"
// list, optionally followed by the rules in the YAML file named by
// "rules_file". A rule with an invalid pattern fails Setup.
func (p *Provider) Setup(_ context.Context, pctx provider.Context, cfg map[string]any) error {
	p.log = pctx.Logger("decision." + Name)

	rc, err := parseConfig(cfg)
	if err != nil {
		return err
	}

	all := rc.Rules
	if rc.RulesFile != "" {
		fileRules, err := loadRulesFile(rc.RulesFile)
		if err != nil {
			return err
		}
		all = append(all, fileRules...)
	}

	p.rules = p.rules[:0]
	for i, r := range all {
		cr := compiledRule{rule: r}
		for _, kw := range r.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				cr.keywords = append(cr.keywords, kw)
			}
		}
		if r.Pattern != "" {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return fmt.Errorf("rules: rule %d (%s): bad pattern: %w", i, labelOf(r, i), err)
			}
			cr.pattern = re
		}
		if len(cr.keywords) == 0 && cr.pattern == nil {
			return fmt.Errorf("rules: rule %d (%s): needs keywords or a pattern", i, labelOf(r, i))
		}
		p.rules = append(p.rules, cr)
	}
	p.defaultTxt = rc.DefaultResponse

	p.log.Info("rule engine ready", "rules", len(p.rules))
	return nil
}

// Decide implements [decision.Provider]. The first matching rule answers; no
// match yields the configured default response with neutral emotion.
func (p *Provider) Decide(_ context.Context, msg *types.NormalizedMessage) (*types.Intent, error) {
	lower := strings.ToLower(msg.Text)

	for i, cr := range p.rules {
		if !cr.matches(msg.Text, lower) {
			continue
		}
		intent := &types.Intent{
			OriginalText: msg.Text,
			ResponseText: cr.rule.Response,
			Emotion:      types.ParseEmotion(cr.rule.Emotion),
			Metadata:     map[string]any{"rule": labelOf(cr.rule, i)},
		}
		for _, a := range cr.rule.Actions {
			intent.Actions = append(intent.Actions, types.IntentAction{
				Type:   "expression",
				Params: map[string]any{"expression": a},
			})
		}
		return intent, nil
	}

	return &types.Intent{
		OriginalText: msg.Text,
		ResponseText: p.defaultTxt,
		Emotion:      types.EmotionNeutral,
		Metadata:     map[string]any{"rule": "default"},
	}, nil
}

// Cleanup implements [decision.Provider].
func (p *Provider) Cleanup() error { return nil }

func (cr *compiledRule) matches(text, lower string) bool {
	for _, kw := range cr.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return cr.pattern != nil && cr.pattern.MatchString(text)
}

func labelOf(r Rule, i int) string {
	if r.Label != "" {
		return r.Label
	}
	return fmt.Sprintf("rule-%d", i)
}

// parseConfig converts the freeform provider config into the typed shape by
// round-tripping through YAML, which applies the same coercions the loader
// would.
func parseConfig(cfg map[string]any) (rulesConfig, error) {
	var rc rulesConfig
	if len(cfg) == 0 {
		return rc, nil
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return rc, fmt.Errorf("rules: encode config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &rc); err != nil {
		return rc, fmt.Errorf("rules: parse config: %w", err)
	}
	return rc, nil
}

// loadRulesFile reads a YAML file with a top-level "rules" list.
func loadRulesFile(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}
	var rc rulesConfig
	if err := yaml.Unmarshal(raw, &rc); err != nil {
		return nil, fmt.Errorf("rules: parse %s: %w", path, err)
	}
	return rc.Rules, nil
}

package rules

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vtforge/hibiki/pkg/provider"
	"github.com/vtforge/hibiki/pkg/types"
)

func setupProvider(t *testing.T, cfg map[string]any) *Provider {
	t.Helper()
	p := New()
	if err := p.Setup(context.Background(), provider.Context{}, cfg); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return p
}

func msg(text string) *types.NormalizedMessage {
	return &types.NormalizedMessage{Text: text, Source: "test", Type: types.DataText}
}

func TestDecideKeywordMatch(t *testing.T) {
	t.Parallel()

	p := setupProvider(t, map[string]any{
		"rules": []any{
			map[string]any{"keywords": []any{"hello"}, "response": "hi!", "emotion": "happy"},
		},
	})

	intent, err := p.Decide(context.Background(), msg("hello world"))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if intent.ResponseText != "hi!" {
		t.Errorf("ResponseText = %q, want hi!", intent.ResponseText)
	}
	if intent.Emotion != types.EmotionHappy {
		t.Errorf("Emotion = %q, want happy", intent.Emotion)
	}
	if intent.OriginalText != "hello world" {
		t.Errorf("OriginalText = %q", intent.OriginalText)
	}
}

func TestDecideFirstMatchWins(t *testing.T) {
	t.Parallel()

	p := setupProvider(t, map[string]any{
		"rules": []any{
			map[string]any{"label": "greet", "keywords": []any{"hello"}, "response": "first"},
			map[string]any{"label": "world", "keywords": []any{"world"}, "response": "second"},
		},
	})

	intent, err := p.Decide(context.Background(), msg("hello world"))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if intent.ResponseText != "first" {
		t.Errorf("ResponseText = %q, want the first matching rule", intent.ResponseText)
	}
	if intent.Metadata["rule"] != "greet" {
		t.Errorf("Metadata[rule] = %v, want greet", intent.Metadata["rule"])
	}
}

func TestDecideCaseInsensitiveKeywords(t *testing.T) {
	t.Parallel()

	p := setupProvider(t, map[string]any{
		"rules": []any{
			map[string]any{"keywords": []any{"HELLO"}, "response": "hi!"},
		},
	})

	intent, _ := p.Decide(context.Background(), msg("well Hello there"))
	if intent.ResponseText != "hi!" {
		t.Errorf("ResponseText = %q, keyword match should ignore case", intent.ResponseText)
	}
}

func TestDecidePatternMatch(t *testing.T) {
	t.Parallel()

	p := setupProvider(t, map[string]any{
		"rules": []any{
			map[string]any{"pattern": `^!roll \d+$`, "response": "rolling!", "emotion": "surprised"},
		},
	})

	intent, _ := p.Decide(context.Background(), msg("!roll 20"))
	if intent.ResponseText != "rolling!" || intent.Emotion != types.EmotionSurprised {
		t.Errorf("got %+v", intent)
	}

	miss, _ := p.Decide(context.Background(), msg("!roll dice"))
	if miss.ResponseText == "rolling!" {
		t.Error("pattern matched text it should not have")
	}
}

func TestDecideNoMatchUsesDefault(t *testing.T) {
	t.Parallel()

	p := setupProvider(t, map[string]any{
		"rules": []any{
			map[string]any{"keywords": []any{"hello"}, "response": "hi!"},
		},
		"default_response": "hmm?",
	})

	intent, err := p.Decide(context.Background(), msg("completely unrelated"))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if intent.ResponseText != "hmm?" {
		t.Errorf("ResponseText = %q, want the default response", intent.ResponseText)
	}
	if intent.Emotion != types.EmotionNeutral {
		t.Errorf("Emotion = %q, want neutral", intent.Emotion)
	}
	if intent.Metadata["rule"] != "default" {
		t.Errorf("Metadata[rule] = %v", intent.Metadata["rule"])
	}
}

func TestDecideActionsBecomeExpressions(t *testing.T) {
	t.Parallel()

	p := setupProvider(t, map[string]any{
		"rules": []any{
			map[string]any{"keywords": []any{"dance"}, "response": "ok!", "actions": []any{"spin", "wave"}},
		},
	})

	intent, _ := p.Decide(context.Background(), msg("dance for us"))
	if len(intent.Actions) != 2 {
		t.Fatalf("Actions = %+v, want 2", intent.Actions)
	}
	if intent.Actions[0].Type != "expression" || intent.Actions[0].Params["expression"] != "spin" {
		t.Errorf("first action = %+v", intent.Actions[0])
	}
}

func TestSetupRejectsBadPattern(t *testing.T) {
	t.Parallel()

	p := New()
	err := p.Setup(context.Background(), provider.Context{}, map[string]any{
		"rules": []any{
			map[string]any{"pattern": "([unclosed", "response": "x"},
		},
	})
	if err == nil {
		t.Fatal("Setup accepted an invalid pattern")
	}
	if !strings.Contains(err.Error(), "bad pattern") {
		t.Errorf("error = %v", err)
	}
}

func TestSetupRejectsEmptyRule(t *testing.T) {
	t.Parallel()

	p := New()
	err := p.Setup(context.Background(), provider.Context{}, map[string]any{
		"rules": []any{
			map[string]any{"response": "orphan"},
		},
	})
	if err == nil || !strings.Contains(err.Error(), "needs keywords or a pattern") {
		t.Errorf("error = %v", err)
	}
}

func TestSetupLoadsRulesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := "rules:\n  - keywords: [ping]\n    response: pong\n    emotion: happy\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write rules file: %v", err)
	}

	p := setupProvider(t, map[string]any{"rules_file": path})
	intent, _ := p.Decide(context.Background(), msg("ping"))
	if intent.ResponseText != "pong" || intent.Emotion != types.EmotionHappy {
		t.Errorf("got %+v, want pong/happy from the rules file", intent)
	}
}

func TestCleanupIdempotent(t *testing.T) {
	t.Parallel()

	p := setupProvider(t, nil)
	if err := p.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if err := p.Cleanup(); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
}

package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/vtforge/hibiki/internal/config"
	"github.com/vtforge/hibiki/pkg/types"
)

type fakeStage struct {
	name string
	fn   func(ctx context.Context, msg *types.NormalizedMessage) (*types.NormalizedMessage, error)
}

func (f *fakeStage) Name() string { return f.name }

func (f *fakeStage) Process(ctx context.Context, msg *types.NormalizedMessage) (*types.NormalizedMessage, error) {
	return f.fn(ctx, msg)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMessage(user, text string) *types.NormalizedMessage {
	return &types.NormalizedMessage{
		Text:      text,
		Content:   types.TextContent{Text: text, User: user},
		Source:    "test",
		Type:      types.DataText,
		Timestamp: time.Now(),
	}
}

// recorderStage appends its name to order and passes the message through.
func recorderStage(name string, order *[]string) *fakeStage {
	return &fakeStage{name: name, fn: func(_ context.Context, msg *types.NormalizedMessage) (*types.NormalizedMessage, error) {
		*order = append(*order, name)
		return msg, nil
	}}
}

func TestChainOrdersByPriority(t *testing.T) {
	t.Parallel()
	chain := NewChain[*types.NormalizedMessage](discardLogger())

	var order []string
	chain.Add(recorderStage("third", &order), StageConfig{Priority: 300})
	chain.Add(recorderStage("first", &order), StageConfig{Priority: 100})
	chain.Add(recorderStage("second", &order), StageConfig{Priority: 200})

	if _, ok := chain.Run(context.Background(), testMessage("u1", "hi")); !ok {
		t.Fatal("message should survive the chain")
	}
	want := []string{"first", "second", "third"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order: got %v, want %v", order, want)
		}
	}
}

func TestChainEqualPriorityKeepsInsertionOrder(t *testing.T) {
	t.Parallel()
	chain := NewChain[*types.NormalizedMessage](discardLogger())

	var order []string
	chain.Add(recorderStage("a", &order), StageConfig{Priority: 100})
	chain.Add(recorderStage("b", &order), StageConfig{Priority: 100})
	chain.Add(recorderStage("c", &order), StageConfig{Priority: 100})

	chain.Run(context.Background(), testMessage("u1", "hi"))
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("insertion order not preserved: %v", order)
	}
}

func TestChainDropEndsProcessing(t *testing.T) {
	t.Parallel()
	chain := NewChain[*types.NormalizedMessage](discardLogger())

	dropper := &fakeStage{name: "dropper", fn: func(_ context.Context, _ *types.NormalizedMessage) (*types.NormalizedMessage, error) {
		return nil, nil
	}}
	var afterRan bool
	after := &fakeStage{name: "after", fn: func(_ context.Context, msg *types.NormalizedMessage) (*types.NormalizedMessage, error) {
		afterRan = true
		return msg, nil
	}}
	chain.Add(dropper, StageConfig{Priority: 100})
	chain.Add(after, StageConfig{Priority: 200})

	out, ok := chain.Run(context.Background(), testMessage("u1", "hi"))
	if ok {
		t.Error("dropped message should report ok=false")
	}
	if out != nil {
		t.Errorf("dropped message should be nil, got %+v", out)
	}
	if afterRan {
		t.Error("stages after a drop should not run")
	}
}

func TestChainErrorContinueSkipsFailedStage(t *testing.T) {
	t.Parallel()
	chain := NewChain[*types.NormalizedMessage](discardLogger())

	failing := &fakeStage{name: "failing", fn: func(_ context.Context, _ *types.NormalizedMessage) (*types.NormalizedMessage, error) {
		return nil, errors.New("boom")
	}}
	upper := &fakeStage{name: "tag", fn: func(_ context.Context, msg *types.NormalizedMessage) (*types.NormalizedMessage, error) {
		msg.Text = msg.Text + "!"
		return msg, nil
	}}
	chain.Add(failing, StageConfig{Priority: 100, ErrorHandling: config.ErrorContinue})
	chain.Add(upper, StageConfig{Priority: 200})

	out, ok := chain.Run(context.Background(), testMessage("u1", "hi"))
	if !ok {
		t.Fatal("continue handling should keep the message alive")
	}
	if out.Text != "hi!" {
		t.Errorf("later stages should still run: got %q", out.Text)
	}
}

func TestChainErrorStopDiscardsValue(t *testing.T) {
	t.Parallel()
	chain := NewChain[*types.NormalizedMessage](discardLogger())

	first := &fakeStage{name: "first", fn: func(_ context.Context, msg *types.NormalizedMessage) (*types.NormalizedMessage, error) {
		msg.Text = msg.Text + "+first"
		return msg, nil
	}}
	failing := &fakeStage{name: "failing", fn: func(_ context.Context, _ *types.NormalizedMessage) (*types.NormalizedMessage, error) {
		return nil, errors.New("boom")
	}}
	var lastRan bool
	last := &fakeStage{name: "last", fn: func(_ context.Context, msg *types.NormalizedMessage) (*types.NormalizedMessage, error) {
		lastRan = true
		return msg, nil
	}}
	chain.Add(first, StageConfig{Priority: 100})
	chain.Add(failing, StageConfig{Priority: 200, ErrorHandling: config.ErrorStop})
	chain.Add(last, StageConfig{Priority: 300})

	out, ok := chain.Run(context.Background(), testMessage("u1", "hi"))
	if ok {
		t.Fatal("stop handling should discard the message")
	}
	if out != nil {
		t.Errorf("aborted chain should return nil, got %+v", out)
	}
	if lastRan {
		t.Error("stages after a stop should not run")
	}
}

func TestChainErrorDropDiscards(t *testing.T) {
	t.Parallel()
	chain := NewChain[*types.NormalizedMessage](discardLogger())

	failing := &fakeStage{name: "failing", fn: func(_ context.Context, _ *types.NormalizedMessage) (*types.NormalizedMessage, error) {
		return nil, errors.New("boom")
	}}
	chain.Add(failing, StageConfig{Priority: 100, ErrorHandling: config.ErrorDrop})

	if _, ok := chain.Run(context.Background(), testMessage("u1", "hi")); ok {
		t.Error("drop handling should discard the message")
	}
}

func TestChainStageTimeout(t *testing.T) {
	t.Parallel()
	chain := NewChain[*types.NormalizedMessage](discardLogger())

	slow := &fakeStage{name: "slow", fn: func(ctx context.Context, msg *types.NormalizedMessage) (*types.NormalizedMessage, error) {
		select {
		case <-time.After(2 * time.Second):
			return msg, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	chain.Add(slow, StageConfig{Priority: 100, ErrorHandling: config.ErrorDrop, Timeout: 30 * time.Millisecond})

	start := time.Now()
	_, ok := chain.Run(context.Background(), testMessage("u1", "hi"))
	if ok {
		t.Error("timed-out stage with drop handling should discard the message")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout did not bound the stage: took %v", elapsed)
	}
}

func TestChainStageTimeoutWithContinue(t *testing.T) {
	t.Parallel()
	chain := NewChain[*types.NormalizedMessage](discardLogger())

	slow := &fakeStage{name: "slow", fn: func(ctx context.Context, msg *types.NormalizedMessage) (*types.NormalizedMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	chain.Add(slow, StageConfig{Priority: 100, ErrorHandling: config.ErrorContinue, Timeout: 30 * time.Millisecond})

	out, ok := chain.Run(context.Background(), testMessage("u1", "hi"))
	if !ok {
		t.Fatal("continue handling should pass the message through a timeout")
	}
	if out.Text != "hi" {
		t.Errorf("message should be unchanged, got %q", out.Text)
	}
}

func TestChainNamesAndLen(t *testing.T) {
	t.Parallel()
	chain := NewChain[*types.NormalizedMessage](discardLogger())
	var order []string
	chain.Add(recorderStage("b", &order), StageConfig{Priority: 200})
	chain.Add(recorderStage("a", &order), StageConfig{Priority: 100})

	if chain.Len() != 2 {
		t.Errorf("Len: got %d, want 2", chain.Len())
	}
	names := chain.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("Names: got %v", names)
	}
}

func TestChainEmptyPassesThrough(t *testing.T) {
	t.Parallel()
	chain := NewChain[*types.NormalizedMessage](nil)

	msg := testMessage("u1", "hi")
	out, ok := chain.Run(context.Background(), msg)
	if !ok || out != msg {
		t.Errorf("empty chain should return the message unchanged, got (%v, %v)", out, ok)
	}
}

package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
	"github.com/vtforge/hibiki/pkg/provider"
	"github.com/vtforge/hibiki/pkg/types"
)

// SimilarTextName is the configuration name of the similar text stage.
const SimilarTextName = "similar_text"

// DefaultSimilarTextPriority places the similarity filter after rate limiting.
const DefaultSimilarTextPriority = 500

// SimilarText drops messages that are near-duplicates of recent messages from
// the same source. Each source keeps a small ring of recent texts; a new
// message is compared against every ring entry still inside the time window
// using Jaro-Winkler similarity.
//
// Chat spam rarely repeats verbatim ("so cool", "soo cool", "so cool!!"),
// which is why this stage scores similarity instead of hashing exact text.
//
// Options:
//
//	threshold            similarity in [0, 1] at which a message is considered
//	                     a duplicate (default 0.9)
//	time_window_seconds  how long a ring entry stays comparable (default 60)
//	history              ring capacity per source (default 10)
type SimilarText struct {
	threshold float64
	window    time.Duration
	capacity  int

	mu     sync.Mutex
	recent map[string][]recentText

	now func() time.Time
}

type recentText struct {
	text string
	at   time.Time
}

var _ MessagePipeline = (*SimilarText)(nil)

// NewSimilarText builds a similarity filter stage from its options block.
func NewSimilarText(opts map[string]any) *SimilarText {
	return &SimilarText{
		threshold: provider.FloatOption(opts, "threshold", 0.9),
		window:    provider.SecondsOption(opts, "time_window_seconds", time.Minute),
		capacity:  provider.IntOption(opts, "history", 10),
		recent:    make(map[string][]recentText),
		now:       time.Now,
	}
}

// Name implements [Pipeline].
func (st *SimilarText) Name() string { return SimilarTextName }

// Process drops msg when its text is too similar to a recent message from the
// same source, otherwise records it and passes it through.
func (st *SimilarText) Process(_ context.Context, msg *types.NormalizedMessage) (*types.NormalizedMessage, error) {
	text := normalizeText(msg.Text)
	if text == "" {
		return msg, nil
	}
	now := st.now()

	st.mu.Lock()
	defer st.mu.Unlock()

	ring := st.recent[msg.Source]
	kept := ring[:0]
	for _, entry := range ring {
		if now.Sub(entry.at) <= st.window {
			kept = append(kept, entry)
		}
	}

	for _, entry := range kept {
		if matchr.JaroWinkler(text, entry.text, false) >= st.threshold {
			st.recent[msg.Source] = kept
			return nil, nil
		}
	}

	kept = append(kept, recentText{text: text, at: now})
	if st.capacity > 0 && len(kept) > st.capacity {
		kept = kept[len(kept)-st.capacity:]
	}
	st.recent[msg.Source] = kept
	return msg, nil
}

// normalizeText lowercases and collapses whitespace so formatting noise does
// not defeat the similarity score.
func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

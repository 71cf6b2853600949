// Package types defines the shared data model used across all hibiki packages.
//
// These types form the lingua franca between input providers, pipelines, the
// decision layer, and output providers. They are intentionally minimal — each
// package defines its own domain types, but cross-cutting data structures live
// here to avoid circular imports.
package types

import "time"

// DataType tags the shape of an input provider's raw payload.
type DataType string

const (
	DataText   DataType = "text"
	DataAudio  DataType = "audio"
	DataImage  DataType = "image"
	DataEvent  DataType = "event"
	DataJSON   DataType = "json"
	DataBinary DataType = "binary"
)

// IsValid reports whether dt is one of the known data types.
func (dt DataType) IsValid() bool {
	switch dt {
	case DataText, DataAudio, DataImage, DataEvent, DataJSON, DataBinary:
		return true
	}
	return false
}

// RawData is a single unprocessed observation emitted by an input provider.
// It is consumed exactly once by the input normalizer and never mutated
// afterward.
type RawData struct {
	// Content is the opaque payload. Its shape depends on Type and on the
	// producing provider: a string for text, a [StructuredContent] value for
	// providers that pre-structure their events, a map for JSON frames.
	Content any

	// Source is the name of the provider that produced this observation.
	Source string

	// Type tags the payload shape.
	Type DataType

	// Timestamp marks when the observation was captured.
	Timestamp time.Time

	// Metadata carries free-form provider detail (user IDs, room IDs, price
	// tags). May be nil.
	Metadata map[string]any
}

// NormalizedMessage is the canonical input form after normalization.
//
// Text is the LLM-ready textual rendering of the content and is never empty;
// the normalizer rejects observations it cannot render. A NormalizedMessage is
// immutable once emitted on the bus.
type NormalizedMessage struct {
	// Text is the display rendering of Content, computed once by the
	// normalizer via [StructuredContent.DisplayText].
	Text string

	// Content is the structured payload variant.
	Content StructuredContent

	// Source names the originating input provider.
	Source string

	// Type is carried over from the raw observation.
	Type DataType

	// Importance is the pre-computed [StructuredContent.Importance] in [0,1].
	Importance float64

	// Metadata is carried over from the raw observation.
	Metadata map[string]any

	// Timestamp is carried over from the raw observation.
	Timestamp time.Time
}

// UserID returns the content's user identifier, or "" when unknown.
func (m *NormalizedMessage) UserID() string {
	if m.Content == nil {
		return ""
	}
	return m.Content.UserID()
}

// ProviderKind partitions providers into the three runtime domains.
type ProviderKind string

const (
	KindInput    ProviderKind = "input"
	KindDecision ProviderKind = "decision"
	KindOutput   ProviderKind = "output"
)

// ProviderState tracks a registered provider through its lifecycle.
type ProviderState string

const (
	StateRegistered ProviderState = "registered"
	StateBuilding   ProviderState = "building"
	StateReady      ProviderState = "ready"
	StateRunning    ProviderState = "running"
	StateStopping   ProviderState = "stopping"
	StateFailed     ProviderState = "failed"
)

// ProviderRecord is the registry's view of one provider: its identity, its
// lifecycle state, and the last error if the state is failed. Instances stay
// inside their domain manager; the record never holds business state.
type ProviderRecord struct {
	Name  string
	Kind  ProviderKind
	State ProviderState

	// Err is the last construction or runtime error message, set when State
	// is [StateFailed].
	Err string
}

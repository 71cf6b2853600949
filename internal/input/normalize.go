package input

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vtforge/hibiki/pkg/types"
)

// ErrEmptyMessage marks an observation whose content renders to no
// displayable text. Such observations are dropped before the pipeline chain.
var ErrEmptyMessage = errors.New("input: message has no displayable text")

// Normalize converts one raw observation into a normalized message. It is
// pure: no I/O, no shared state.
//
// Providers that already produce a [types.StructuredContent] pass through
// unchanged. String and JSON payloads from third-party sources are mapped by
// shape: gift, super chat, and membership key sets become their variants,
// anything else with text becomes a [types.TextContent].
func Normalize(raw types.RawData) (*types.NormalizedMessage, error) {
	content, err := structuredContent(raw)
	if err != nil {
		return nil, err
	}

	text := content.DisplayText()
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	ts := raw.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return &types.NormalizedMessage{
		Text:       text,
		Content:    content,
		Source:     raw.Source,
		Type:       raw.Type,
		Importance: content.Importance(),
		Metadata:   raw.Metadata,
		Timestamp:  ts,
	}, nil
}

func structuredContent(raw types.RawData) (types.StructuredContent, error) {
	switch c := raw.Content.(type) {
	case types.StructuredContent:
		return c, nil
	case string:
		return types.TextContent{
			Text:     c,
			User:     metaString(raw.Metadata, "user_id"),
			Username: metaString(raw.Metadata, "username"),
		}, nil
	case []byte:
		if raw.Type == types.DataJSON {
			var m map[string]any
			if err := json.Unmarshal(c, &m); err != nil {
				return nil, fmt.Errorf("input: decode json content: %w", err)
			}
			return contentFromMap(m)
		}
		return types.TextContent{
			Text:     string(c),
			User:     metaString(raw.Metadata, "user_id"),
			Username: metaString(raw.Metadata, "username"),
		}, nil
	case map[string]any:
		return contentFromMap(c)
	default:
		return nil, fmt.Errorf("input: unsupported content type %T", raw.Content)
	}
}

// contentFromMap deduces the content variant from the keys present. Gift,
// super chat, and membership shapes are checked before plain text because
// their payloads usually carry a text field too.
func contentFromMap(m map[string]any) (types.StructuredContent, error) {
	user := mapString(m, "user_id")
	username := mapString(m, "username")

	switch {
	case mapString(m, "gift_name") != "":
		return types.GiftContent{
			GiftName: mapString(m, "gift_name"),
			Count:    mapInt(m, "count"),
			Price:    mapFloat(m, "price"),
			User:     user,
			Username: username,
		}, nil
	case mapHas(m, "price") && (mapHas(m, "message") || mapHas(m, "text")):
		msg := mapString(m, "message")
		if msg == "" {
			msg = mapString(m, "text")
		}
		return types.SuperChatContent{
			Message:  msg,
			Price:    mapFloat(m, "price"),
			User:     user,
			Username: username,
		}, nil
	case mapHas(m, "level") || mapString(m, "tier") != "":
		return types.MembershipContent{
			Tier:     mapString(m, "tier"),
			Level:    mapInt(m, "level"),
			User:     user,
			Username: username,
		}, nil
	case mapString(m, "text") != "" || mapString(m, "message") != "":
		text := mapString(m, "text")
		if text == "" {
			text = mapString(m, "message")
		}
		return types.TextContent{Text: text, User: user, Username: username}, nil
	default:
		return nil, errors.New("input: json content has no recognizable shape")
	}
}

func metaString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	return mapString(m, key)
}

func mapHas(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

func mapString(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func mapInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func mapFloat(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

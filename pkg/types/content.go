package types

import "fmt"

// ContentKind discriminates the [StructuredContent] variants.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentGift       ContentKind = "gift"
	ContentSuperChat  ContentKind = "super_chat"
	ContentMembership ContentKind = "membership"
)

// StructuredContent is the polymorphic payload of a [NormalizedMessage].
//
// Downstream code never type-switches on the concrete variant; everything it
// needs is exposed through these methods. Importance and DisplayText are pure
// and idempotent.
type StructuredContent interface {
	// Kind identifies the variant.
	Kind() ContentKind

	// Importance scores the content in [0,1]. Plain chat sits low; paid and
	// membership events rank higher so the decision layer can prioritize.
	Importance() float64

	// DisplayText renders the content as a single LLM-ready line.
	DisplayText() string

	// UserID returns the originating user's identifier, or "" when unknown.
	UserID() string

	// RequiresSpecialHandling reports whether the content deserves an
	// acknowledgement beyond normal conversation (paid events, memberships).
	RequiresSpecialHandling() bool
}

// TextContent is a plain chat or console line.
type TextContent struct {
	Text     string
	User     string
	Username string
}

func (c TextContent) Kind() ContentKind             { return ContentText }
func (c TextContent) Importance() float64           { return 0.3 }
func (c TextContent) DisplayText() string           { return c.Text }
func (c TextContent) UserID() string                { return c.User }
func (c TextContent) RequiresSpecialHandling() bool { return false }

// GiftContent is a virtual gift event from a live platform.
type GiftContent struct {
	GiftName string
	Count    int
	// Price is the unit price in platform currency units.
	Price    float64
	User     string
	Username string
}

func (c GiftContent) Kind() ContentKind { return ContentGift }

// Importance scales with the total gift value and saturates at 0.9, leaving
// the top of the range to super chats and memberships.
func (c GiftContent) Importance() float64 {
	count := c.Count
	if count < 1 {
		count = 1
	}
	v := 0.4 + c.Price*float64(count)/200
	if v > 0.9 {
		v = 0.9
	}
	return v
}

func (c GiftContent) DisplayText() string {
	count := c.Count
	if count < 1 {
		count = 1
	}
	return fmt.Sprintf("%s sent a gift: %s x%d", displayName(c.Username, c.User), c.GiftName, count)
}

func (c GiftContent) UserID() string                { return c.User }
func (c GiftContent) RequiresSpecialHandling() bool { return true }

// SuperChatContent is a paid highlighted message.
type SuperChatContent struct {
	Message  string
	Price    float64
	User     string
	Username string
}

func (c SuperChatContent) Kind() ContentKind { return ContentSuperChat }

// Importance starts above every gift tier and saturates at 1.
func (c SuperChatContent) Importance() float64 {
	return clamp01(0.6 + c.Price/250)
}

func (c SuperChatContent) DisplayText() string {
	return fmt.Sprintf("%s sent a super chat (%.0f): %s", displayName(c.Username, c.User), c.Price, c.Message)
}

func (c SuperChatContent) UserID() string                { return c.User }
func (c SuperChatContent) RequiresSpecialHandling() bool { return true }

// MembershipContent is a membership purchase or renewal (guard levels on
// bilibili-style platforms). Level 1 is the highest tier.
type MembershipContent struct {
	// Tier is the human-readable tier name. Optional.
	Tier     string
	Level    int
	User     string
	Username string
}

func (c MembershipContent) Kind() ContentKind { return ContentMembership }

func (c MembershipContent) Importance() float64 {
	switch c.Level {
	case 1:
		return 1.0
	case 2:
		return 0.9
	default:
		return 0.8
	}
}

func (c MembershipContent) DisplayText() string {
	tier := c.Tier
	if tier == "" {
		tier = fmt.Sprintf("tier %d", c.Level)
	}
	return fmt.Sprintf("%s became a member (%s)", displayName(c.Username, c.User), tier)
}

func (c MembershipContent) UserID() string                { return c.User }
func (c MembershipContent) RequiresSpecialHandling() bool { return true }

func displayName(username, user string) string {
	if username != "" {
		return username
	}
	if user != "" {
		return user
	}
	return "someone"
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

package bus

// Topic constants. These are the only topics the core runtime emits on;
// providers may add their own as long as they do not collide.
const (
	// TopicDataMessage carries *types.NormalizedMessage from the input domain.
	TopicDataMessage = "data.message"

	// TopicDecisionIntent carries *types.Intent from the decision domain.
	TopicDecisionIntent = "decision.intent"

	// TopicOutputIntent carries *types.ExpressionParameters from the flow
	// coordinator to the output domain.
	TopicOutputIntent = "output.intent"

	TopicInputConnected       = "input.provider.connected"
	TopicInputDisconnected    = "input.provider.disconnected"
	TopicDecisionConnected    = "decision.provider.connected"
	TopicDecisionDisconnected = "decision.provider.disconnected"
	TopicOutputConnected      = "output.provider.connected"
	TopicOutputDisconnected   = "output.provider.disconnected"
)

// ProviderEvent is the payload of every *.provider.connected/disconnected
// topic.
type ProviderEvent struct {
	// Provider is the provider name as registered.
	Provider string

	// Kind is the provider's domain: input, decision, or output.
	Kind string

	// Detail optionally explains the transition (an error string on
	// disconnect, an address on connect).
	Detail string
}

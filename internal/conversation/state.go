// ABOUTME: Lifecycle states of a single chat exchange on the server
// ABOUTME: Used for logging and for reporting how far an exchange progressed

package conversation

// State is a step in the exchange lifecycle.
type State int

const (
	StateReceived State = iota
	StateResolvingConversation
	StatePersistingUserMessage
	StateLoadingHistory
	StateStreamingGeneration
	StatePersistingAssistantMessage
	StateCompleted
	StateFailed
)

var stateNames = [...]string{
	StateReceived:                   "received",
	StateResolvingConversation:      "resolving_conversation",
	StatePersistingUserMessage:      "persisting_user_message",
	StateLoadingHistory:             "loading_history",
	StateStreamingGeneration:        "streaming_generation",
	StatePersistingAssistantMessage: "persisting_assistant_message",
	StateCompleted:                  "completed",
	StateFailed:                     "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

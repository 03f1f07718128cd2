package chat

// Client-to-server event types.
const (
	clientSendMessage       = "send_message"
	clientDeactivateSession = "deactivate_session"
)

// Server-to-client event types.
const (
	serverSessionHistory  = "session_history"
	serverMessageDelta    = "message_delta"
	serverMessageComplete = "message_complete"
	serverMessageError    = "message_error"
	serverToolCall        = "tool_call"
)

// User-facing error strings. The validation messages are specific; run and
// lifecycle failures deliberately share one generic message.
const (
	errMsgEmpty     = "Message cannot be empty"
	errMsgTooLong   = "Message too long (max 4000 characters)"
	errMsgRunFailed = "Failed to process your request. Please try again."
	msgNoResponse   = "No response generated."
)

// maxMessageLength bounds an inbound message after trimming.
const maxMessageLength = 4000

// clientEvent is an inbound protocol event.
type clientEvent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// messageEvent is an outbound event scoped to one request id: a delta, the
// completion, an error, or a tool-call notification.
type messageEvent struct {
	Type    string       `json:"type"`
	ID      string       `json:"id"`
	Delta   string       `json:"delta,omitempty"`
	Content string       `json:"content,omitempty"`
	Error   string       `json:"error,omitempty"`
	Action  ToolCategory `json:"action,omitempty"`
}

// historyEvent is a session_history snapshot. Messages is always present,
// empty on a fresh session and after deactivation.
type historyEvent struct {
	Type     string           `json:"type"`
	Messages []historyMessage `json:"messages"`
}

// historyMessage is one entry of a session_history snapshot. Only turns
// with a user/assistant role and extractable text are surfaced.
type historyMessage struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

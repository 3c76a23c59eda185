package consumer

// Reply payload type names carried in outbound reply envelopes.
const (
	PayloadTypeHandled   = "reply.handled"
	PayloadTypeDuplicate = "reply.duplicate"
	PayloadTypeNoHandler = "reply.no_handler"
	PayloadTypeFailure   = "reply.failure"
)

// HandledReply acknowledges successful handling when the handler did not set
// an explicit reply payload.
type HandledReply struct {
	MessageID string `json:"message_id"`
	Handled   bool   `json:"handled"`
}

// DuplicateReply reports that the command was already handled
// (MessageDuplicatelyHandled).
type DuplicateReply struct {
	MessageID string `json:"message_id"`
}

// NoHandlerReply reports that no handler is registered for the command type
// (NoHandlerExists).
type NoHandlerReply struct {
	MessageID   string `json:"message_id"`
	CommandType string `json:"command_type"`
}

// FailureReply carries the base failure back to the requester.
type FailureReply struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

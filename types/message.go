package types

// Message represents a single message sent to an LLM provider.
type Message struct {
	Role    string `json:"role"`    // "system", "user", "assistant"
	Content string `json:"content"` // Message content
}

// SystemMessage creates a message with the system role.
func SystemMessage(content string) Message {
	return Message{Role: "system", Content: content}
}

// UserMessage creates a message with the user role.
func UserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}

// AssistantMessage creates a message with the assistant role.
func AssistantMessage(content string) Message {
	return Message{Role: "assistant", Content: content}
}

package interfaces

import "context"

// Message is one chat turn.
type Message struct {
	Role    string // "system" | "user" | "assistant"
	Content string
}

// CompletionRequest carries a chat completion call.
type CompletionRequest struct {
	Messages    []Message
	Temperature float32 // zero means the client default
	MaxTokens   int     // zero means the client default
}

// ChatModel defines the interface for language model completions
type ChatModel interface {
	// Complete returns the assistant reply for the conversation
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// Prompt is a convenience for the common system + user pair.
func Prompt(system, user string) CompletionRequest {
	var msgs []Message
	if system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	msgs = append(msgs, Message{Role: "user", Content: user})
	return CompletionRequest{Messages: msgs}
}

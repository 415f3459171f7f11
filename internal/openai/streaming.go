package openai

// ChatCompletionChunk represents one SSE chunk of a streamed completion.
type ChatCompletionChunk struct {
	ID      string                      `json:"id"`
	Object  string                      `json:"object"`
	Created int64                       `json:"created"`
	Model   string                      `json:"model"`
	Choices []ChatCompletionChunkChoice `json:"choices"`
	Usage   *UsageBreakdown             `json:"usage,omitempty"`
}

// ChatCompletionChunkChoice represents a choice in a streaming chunk.
type ChatCompletionChunkChoice struct {
	Index        int              `json:"index"`
	Delta        ChatMessageDelta `json:"delta"`
	FinishReason *string          `json:"finish_reason"`
}

// ChatMessageDelta is the incremental content carried by a stream chunk.
type ChatMessageDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// NewContentChunk builds an intermediate chunk carrying a content delta.
func NewContentChunk(id, model string, created int64, content string) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []ChatCompletionChunkChoice{{
			Index:        0,
			Delta:        ChatMessageDelta{Content: content},
			FinishReason: nil,
		}},
	}
}

// NewFinalChunk builds the terminal chunk: empty delta, stop reason and usage.
func NewFinalChunk(id, model string, created int64, usage UsageBreakdown) ChatCompletionChunk {
	stop := "stop"
	return ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []ChatCompletionChunkChoice{{
			Index:        0,
			Delta:        ChatMessageDelta{},
			FinishReason: &stop,
		}},
		Usage: &usage,
	}
}

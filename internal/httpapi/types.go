package httpapi

import (
	"encoding/json"

	"github.com/sashabaranov/go-openai"
)

// stopSequences accepts the OpenAI wire format's two shapes for "stop": a
// single string or an array of strings.
type stopSequences []string

func (s *stopSequences) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single != "" {
			*s = []string{single}
		}
		return nil
	}
	var multi []string
	if err := json.Unmarshal(data, &multi); err != nil {
		return err
	}
	*s = multi
	return nil
}

// chatCompletionRequest mirrors the OpenAI chat completions request shape
// (§6), using openai.ChatCompletionMessage for the message list so the
// wire format matches exactly without re-declaring it.
type chatCompletionRequest struct {
	Model       string                         `json:"model" validate:"required"`
	Messages    []openai.ChatCompletionMessage `json:"messages" validate:"required,min=1"`
	MaxTokens   int                            `json:"max_tokens"`
	Temperature float32                        `json:"temperature"`
	TopP        float32                        `json:"top_p"`
	TopK        int                            `json:"top_k"`
	Stream      bool                           `json:"stream"`
	Stop        stopSequences                  `json:"stop"`
	Logprobs    bool                           `json:"logprobs"`
}

type chatCompletionChoice struct {
	Index        int                           `json:"index"`
	Message      openai.ChatCompletionMessage  `json:"message"`
	FinishReason openai.FinishReason           `json:"finish_reason"`
}

type chatCompletionResponse struct {
	ID      string                  `json:"id"`
	Object  string                  `json:"object"`
	Created int64                   `json:"created"`
	Model   string                  `json:"model"`
	Choices []chatCompletionChoice  `json:"choices"`
	Usage   openai.Usage            `json:"usage"`
}

type chatCompletionStreamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chatCompletionStreamChoice struct {
	Index        int                       `json:"index"`
	Delta        chatCompletionStreamDelta `json:"delta"`
	FinishReason *openai.FinishReason      `json:"finish_reason"`
}

type chatCompletionStreamResponse struct {
	ID      string                        `json:"id"`
	Object  string                        `json:"object"`
	Created int64                         `json:"created"`
	Model   string                        `json:"model"`
	Choices []chatCompletionStreamChoice  `json:"choices"`
}

// completionRequest mirrors the legacy /v1/completions shape (§6), also
// bound to the double-v1 Copilot-compatible route (SUPPLEMENTED FEATURES #2).
type completionRequest struct {
	Model       string        `json:"model" validate:"required"`
	Prompt      string        `json:"prompt"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float32       `json:"temperature"`
	TopP        float32       `json:"top_p"`
	TopK        int           `json:"top_k"`
	Stream      bool          `json:"stream"`
	Stop        stopSequences `json:"stop"`
	Logprobs    bool          `json:"logprobs"`
}

type completionChoice struct {
	Text         string              `json:"text"`
	Index        int                 `json:"index"`
	FinishReason openai.FinishReason `json:"finish_reason"`
}

type completionResponse struct {
	ID      string              `json:"id"`
	Object  string              `json:"object"`
	Created int64               `json:"created"`
	Model   string              `json:"model"`
	Choices []completionChoice  `json:"choices"`
	Usage   openai.Usage        `json:"usage"`
}

type completionStreamChoice struct {
	Text         string               `json:"text"`
	Index        int                  `json:"index"`
	FinishReason *openai.FinishReason `json:"finish_reason"`
}

type completionStreamResponse struct {
	ID      string                   `json:"id"`
	Object  string                   `json:"object"`
	Created int64                    `json:"created"`
	Model   string                   `json:"model"`
	Choices []completionStreamChoice `json:"choices"`
}

// embeddingRequest mirrors /v1/embeddings (§6): a single string input per
// request. The batch-array input shape is out of scope.
type embeddingRequest struct {
	Model string `json:"model" validate:"required"`
	Input string `json:"input" validate:"required"`
}

type embeddingData struct {
	Object    string    `json:"object"`
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type embeddingResponse struct {
	Object string          `json:"object"`
	Data   []embeddingData `json:"data"`
	Model  string          `json:"model"`
	Usage  openai.Usage    `json:"usage"`
}

// modelsResponse mirrors GET /v1/models (§6); Names() already resolves to
// canonical (non-alias) ids only (SUPPLEMENTED FEATURES #1).
type modelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type modelsResponse struct {
	Object string      `json:"object"`
	Data   []modelInfo `json:"data"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

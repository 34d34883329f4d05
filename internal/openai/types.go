package openai

import (
	"bytes"
	"encoding/json"
)

// ChatInput is a chat completions request body. Pointer fields stay unset
// until defaults are applied so an explicit zero is kept.
type ChatInput struct {
	Messages         []ChatMessage        `json:"messages"`
	Tools            []Tool               `json:"tools,omitempty"`
	ToolChoice       json.RawMessage      `json:"tool_choice,omitempty"`
	Functions        []FunctionDefinition `json:"functions,omitempty"`
	FunctionCall     json.RawMessage      `json:"function_call,omitempty"`
	Temperature      *float64             `json:"temperature,omitempty"`
	TopP             *float64             `json:"top_p,omitempty"`
	FrequencyPenalty *float64             `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64             `json:"presence_penalty,omitempty"`
	MaxTokens        *int                 `json:"max_tokens,omitempty"`
	ResponseFormat   *ResponseFormat      `json:"response_format,omitempty"`
	Stop             json.RawMessage      `json:"stop,omitempty"`
	Stream           bool                 `json:"stream,omitempty"`
}

const DefaultMaxTokens = 60

// WithDefaults returns a copy of in with unset sampling parameters filled:
// temperature 0, top_p 1, no penalties, 60 max tokens and an empty stop.
func (in ChatInput) WithDefaults() ChatInput {
	zero, one, maxTokens := 0.0, 1.0, DefaultMaxTokens
	if in.Temperature == nil {
		in.Temperature = &zero
	}
	if in.TopP == nil {
		in.TopP = &one
	}
	if in.FrequencyPenalty == nil {
		in.FrequencyPenalty = &zero
	}
	if in.PresencePenalty == nil {
		in.PresencePenalty = &zero
	}
	if in.MaxTokens == nil {
		in.MaxTokens = &maxTokens
	}
	if in.Stop == nil {
		in.Stop = json.RawMessage(`""`)
	}
	return in
}

type ResponseFormat struct {
	Type string `json:"type"`
}

type Tool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ChatMessage struct {
	Role         string         `json:"role"`
	Content      MessageContent `json:"content"`
	Name         string         `json:"name,omitempty"`
	ToolCalls    []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID   string         `json:"tool_call_id,omitempty"`
	FunctionCall *FunctionCall  `json:"function_call,omitempty"`
}

// MessageContent is either plain text or a list of text and image parts.
type MessageContent struct {
	Text  string
	Parts []ContentPart
	Null  bool
}

func Text(s string) MessageContent { return MessageContent{Text: s} }

func (c MessageContent) MarshalJSON() ([]byte, error) {
	switch {
	case c.Parts != nil:
		return json.Marshal(c.Parts)
	case c.Null:
		return []byte("null"), nil
	default:
		return json.Marshal(c.Text)
	}
}

func (c *MessageContent) UnmarshalJSON(b []byte) error {
	*c = MessageContent{}
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		c.Null = true
		return nil
	case len(b) > 0 && b[0] == '[':
		return json.Unmarshal(b, &c.Parts)
	default:
		return json.Unmarshal(b, &c.Text)
	}
}

// PlainText joins the text parts, dropping images.
func (c MessageContent) PlainText() string {
	if c.Parts == nil {
		return c.Text
	}
	var buf bytes.Buffer
	for _, p := range c.Parts {
		if p.Type == "text" {
			buf.WriteString(p.Text)
		}
	}
	return buf.String()
}

// Images counts the image parts.
func (c MessageContent) Images() int {
	n := 0
	for _, p := range c.Parts {
		if p.Type == "image_url" {
			n++
		}
	}
	return n
}

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatOutput struct {
	ID      string       `json:"id,omitempty"`
	Object  string       `json:"object,omitempty"`
	Created int64        `json:"created,omitempty"`
	Model   string       `json:"model,omitempty"`
	Choices []ChatChoice `json:"choices"`
	Usage   *Usage       `json:"usage,omitempty"`
}

type ChatChoice struct {
	Index        int               `json:"index"`
	FinishReason *string           `json:"finish_reason"`
	Message      ChatOutputMessage `json:"message"`
}

type ChatOutputMessage struct {
	Role         string        `json:"role"`
	Content      *string       `json:"content"`
	ToolCalls    []ToolCall    `json:"tool_calls,omitempty"`
	FunctionCall *FunctionCall `json:"function_call,omitempty"`
}

// ChatChunk is one streamed chat completion event.
type ChatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created,omitempty"`
	Model   string        `json:"model,omitempty"`
	Choices []ChunkChoice `json:"choices"`
}

type ChunkChoice struct {
	Index        int     `json:"index"`
	FinishReason *string `json:"finish_reason"`
	Delta        Delta   `json:"delta"`
}

type Delta struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type EmbedInput struct {
	Input          []string `json:"input"`
	InputType      string   `json:"input_type,omitempty"`
	User           string   `json:"user,omitempty"`
	EncodingFormat string   `json:"encoding_format,omitempty"`
	Dimensions     int      `json:"dimensions,omitempty"`
}

type EmbedOutput struct {
	Object string      `json:"object"`
	Data   []Embedding `json:"data"`
	Model  string      `json:"model"`
	Usage  *Usage      `json:"usage,omitempty"`
}

type Embedding struct {
	Object    string    `json:"object"`
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

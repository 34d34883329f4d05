// Package tokens estimates the token demand of a request before it is sent,
// which is what the scheduler charges against a worker's budget.
package tokens

import (
	"encoding/json"
	"math"
	"unicode/utf8"

	"github.com/gaspardpetit/plexchat/internal/openai"
)

const (
	charsPerToken  = 4.0
	promptFactor   = 1.2
	tokensPerMsg   = 4
	replyPriming   = 3
	tokensPerImage = 1000
)

// Count approximates the tokens in s.
func Count(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return int(math.Ceil(float64(n) / charsPerToken))
}

// Chat estimates the demand of a chat request: the padded prompt, 1000 per
// image, the padded function and tool schemas, and the reply budget.
func Chat(in *openai.ChatInput) float64 {
	prompt := replyPriming
	images := 0
	for _, m := range in.Messages {
		prompt += tokensPerMsg + Count(m.Role) + Count(m.Name)
		switch {
		case m.Role == "tool" || m.Role == "function":
			prompt += countJSON(m.FunctionCall) + countJSON(m.ToolCalls) + Count(m.Content.PlainText())
		default:
			prompt += Count(m.Content.PlainText())
		}
		images += m.Content.Images()
	}
	demand := float64(prompt)*promptFactor + float64(images*tokensPerImage)

	if len(in.Functions) > 0 {
		demand += float64(countJSON(in.Functions)) * promptFactor
	}
	if len(in.Tools) > 0 {
		demand += float64(countJSON(in.Tools)) * promptFactor
	}

	reply := openai.DefaultMaxTokens
	if in.MaxTokens != nil {
		reply = *in.MaxTokens
	}
	return demand + float64(reply)
}

// Embed estimates the demand of embedding inputs.
func Embed(inputs []string) float64 {
	total := 0
	for _, s := range inputs {
		total += Count(s)
	}
	return float64(total)
}

func countJSON(v any) int {
	switch x := v.(type) {
	case nil:
		return 0
	case *openai.FunctionCall:
		if x == nil {
			return 0
		}
	case []openai.ToolCall:
		if len(x) == 0 {
			return 0
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return Count(string(b))
}

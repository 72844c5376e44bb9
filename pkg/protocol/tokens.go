package protocol

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts message tokens with the model's tiktoken
// encoding. Models without a registered encoding fall back to
// cl100k_base.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
	encodingCacheMu sync.Mutex
)

// NewTokenCounter builds a counter for the model. Encodings are cached
// process-wide; initialization is expensive.
func NewTokenCounter(model string) (*TokenCounter, error) {
	encodingCacheMu.Lock()
	defer encodingCacheMu.Unlock()

	if cached, ok := encodingCache[model]; ok {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to load token encoding: %w", err)
		}
	}
	encodingCache[model] = encoding
	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count of raw text.
func (tc *TokenCounter) Count(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessage counts one message including the per-message framing
// overhead and any tool call arguments.
func (tc *TokenCounter) CountMessage(msg *Message) int {
	// <|start|>role ... <|end|> framing.
	total := 3
	total += tc.Count(string(msg.Role))
	total += tc.Count(msg.Content)
	for _, call := range msg.ToolCalls {
		total += tc.Count(call.Name)
		if args, err := json.Marshal(call.Args); err == nil {
			total += tc.Count(string(args))
		}
	}
	return total
}

// CountMessages counts a full transcript, including the priming of the
// assistant reply.
func (tc *TokenCounter) CountMessages(messages []*Message) int {
	total := 3
	for _, msg := range messages {
		total += tc.CountMessage(msg)
	}
	return total
}

// TokenTail returns the newest messages that fit the token budget. A
// leading system message is always kept and charged against the budget.
// The window never starts on a tool message; its producing assistant
// turn is pulled in with it.
func TokenTail(messages []*Message, tc *TokenCounter, budget int) []*Message {
	if tc == nil || budget <= 0 || len(messages) == 0 {
		return messages
	}

	var system *Message
	body := messages
	used := 3
	if messages[0].Role == RoleSystem {
		system = messages[0]
		body = messages[1:]
		used += tc.CountMessage(system)
	}

	start := len(body)
	for i := len(body) - 1; i >= 0; i-- {
		cost := tc.CountMessage(body[i])
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}
	// Keep at least the newest message even when it busts the budget.
	if start == len(body) && len(body) > 0 {
		start = len(body) - 1
	}
	for start > 0 && body[start].Role == RoleTool {
		start--
	}

	if system == nil {
		return body[start:]
	}
	if start == 0 {
		return messages
	}
	window := make([]*Message, 0, len(body)-start+1)
	window = append(window, system)
	return append(window, body[start:]...)
}

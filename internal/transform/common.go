package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role/content-type/stop-reason constants shared by every built-in
// transformer, grounded on providers/base.go's equivalents.
const (
	RoleAssistant      = "assistant"
	RoleUser           = "user"
	ContentTypeText    = "text"
	ContentTypeToolUse = "tool_use"
	StopReasonEndTurn  = "end_turn"
	MessageTypeResult  = "tool_result"
)

// TokenMapping names the provider-side field names for the four usage
// counters the router normalizes to Anthropic's names.
type TokenMapping struct {
	InputTokens            string
	OutputTokens           string
	CacheReadInputTokens   string
	CacheCreateInputTokens string
}

var (
	OpenAITokenMapping = TokenMapping{
		InputTokens:            "prompt_tokens",
		OutputTokens:           "completion_tokens",
		CacheReadInputTokens:   "cached_tokens",
		CacheCreateInputTokens: "cache_creation_tokens",
	}
	AnthropicTokenMapping = TokenMapping{
		InputTokens:            "input_tokens",
		OutputTokens:           "output_tokens",
		CacheReadInputTokens:   "cache_read_input_tokens",
		CacheCreateInputTokens: "cache_creation_input_tokens",
	}
)

// MapTokenUsage renames sourceUsage's fields from sourceMapping's names to
// AnthropicTokenMapping's names.
func MapTokenUsage(sourceUsage map[string]any, sourceMapping TokenMapping) map[string]any {
	out := make(map[string]any)

	if v, ok := sourceUsage[sourceMapping.InputTokens]; ok {
		out[AnthropicTokenMapping.InputTokens] = v
	}

	if v, ok := sourceUsage[sourceMapping.OutputTokens]; ok {
		out[AnthropicTokenMapping.OutputTokens] = v
	}

	if details, ok := sourceUsage["prompt_tokens_details"].(map[string]any); ok {
		if v, ok := details[sourceMapping.CacheReadInputTokens]; ok {
			out[AnthropicTokenMapping.CacheReadInputTokens] = v
		}

		if v, ok := details[sourceMapping.CacheCreateInputTokens]; ok {
			out[AnthropicTokenMapping.CacheCreateInputTokens] = v
		}
	}

	return out
}

// ConvertStopReason maps a provider's finish-reason vocabulary to
// Anthropic's. Unknown reasons default to end_turn rather than erroring,
// matching the teacher's behavior.
func ConvertStopReason(reason string) *string {
	mapping := map[string]string{
		"stop":           StopReasonEndTurn,
		"length":         "max_tokens",
		"tool_calls":     "tool_use",
		"function_call":  "tool_use",
		"content_filter": "stop_sequence",
		"null":           StopReasonEndTurn,
		"":               StopReasonEndTurn,
	}

	if mapped, ok := mapping[reason]; ok {
		return &mapped
	}

	def := StopReasonEndTurn

	return &def
}

// RemoveFieldsRecursively strips the named keys from any nested
// map[string]any/[]any structure.
func RemoveFieldsRecursively(data any, fields []string) any {
	switch v := data.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))

		for key, value := range v {
			skip := false

			for _, f := range fields {
				if key == f {
					skip = true
					break
				}
			}

			if !skip {
				out[key] = RemoveFieldsRecursively(value, fields)
			}
		}

		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = RemoveFieldsRecursively(item, fields)
		}

		return out
	default:
		return v
	}
}

// ExtractModelFromConfig splits the "<provider>,<model>" identifier grammar
// (spec §3 / §6), trimming both halves.
func ExtractModelFromConfig(modelConfig string) (provider, model string) {
	parts := strings.SplitN(modelConfig, ",", 2)
	if len(parts) == 2 {
		return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	}

	return "", strings.TrimSpace(modelConfig)
}

// CreateMessageStartEvent builds the Anthropic `message_start` event body.
func CreateMessageStartEvent(messageID, model string, usage map[string]any) map[string]any {
	if usage == nil {
		usage = map[string]any{"input_tokens": 0, "output_tokens": 1}
	}

	return map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            messageID,
			"type":          "message",
			"role":          RoleAssistant,
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         usage,
		},
	}
}

// TransformAssistantMessage rewrites an Anthropic assistant message's
// content blocks (text + tool_use) into an OpenAI-style
// content/tool_calls pair, converting tool_use ids (toolu_* -> call_*).
func TransformAssistantMessage(msgMap map[string]any, content []any) map[string]any {
	out := make(map[string]any, len(msgMap))
	for k, v := range msgMap {
		out[k] = v
	}

	var text strings.Builder

	var toolCalls []any

	for _, block := range content {
		blockMap, ok := block.(map[string]any)
		if !ok {
			continue
		}

		blockType, _ := blockMap["type"].(string)

		switch blockType {
		case ContentTypeText:
			if t, ok := blockMap["text"].(string); ok {
				text.WriteString(t)
			}
		case ContentTypeToolUse:
			id, _ := blockMap["id"].(string)
			name, _ := blockMap["name"].(string)

			if id == "" || name == "" {
				continue
			}

			callID := strings.Replace(id, "toolu_", "call_", 1)

			var arguments string

			if input := blockMap["input"]; input != nil {
				if b, err := json.Marshal(input); err == nil {
					arguments = string(b)
				}
			}

			toolCalls = append(toolCalls, map[string]any{
				"id":   callID,
				"type": "function",
				"function": map[string]any{
					"name":      name,
					"arguments": arguments,
				},
			})
		}
	}

	out["content"] = text.String()

	if len(toolCalls) > 0 {
		out["tool_calls"] = toolCalls
	}

	return out
}

// TransformTools converts Claude-format tool definitions (name/description/
// input_schema) into OpenAI function-calling format, passing already-OpenAI
// shaped entries through unchanged.
func TransformTools(tools []any) ([]any, error) {
	out := make([]any, 0, len(tools))

	for _, tool := range tools {
		toolMap, ok := tool.(map[string]any)
		if !ok {
			continue
		}

		if t, ok := toolMap["type"].(string); ok && t == "function" {
			if _, ok := toolMap["function"]; ok {
				out = append(out, tool)
				continue
			}
		}

		name, ok := toolMap["name"].(string)
		if !ok {
			continue
		}

		fn := map[string]any{"name": name}

		if desc, ok := toolMap["description"].(string); ok {
			fn["description"] = desc
		}

		if schema, ok := toolMap["input_schema"]; ok {
			fn["parameters"] = schema
		}

		out = append(out, map[string]any{"type": "function", "function": fn})
	}

	return out, nil
}

// OutgoingRewriter is the subset of provider-specific behavior
// TransformAnthropicToOpenAI needs from its caller.
type OutgoingRewriter interface {
	removeAnthropicSpecificFields(request map[string]any) map[string]any
	transformMessages(messages []any) []any
	transformTools(tools []any) ([]any, error)
}

// TransformAnthropicToOpenAI rewrites an Anthropic-shaped request body into
// an OpenAI-compatible one: drops Anthropic-only fields, folds `system` into
// a leading system message, renames max_tokens, and delegates
// message/tool-array conversion to r.
func TransformAnthropicToOpenAI(anthropicRequest []byte, r OutgoingRewriter) ([]byte, error) {
	var request map[string]any
	if err := json.Unmarshal(anthropicRequest, &request); err != nil {
		return nil, fmt.Errorf("unmarshal anthropic request: %w", err)
	}

	cleaned := r.removeAnthropicSpecificFields(request)

	if sys, ok := cleaned["system"]; ok {
		if messages, ok := cleaned["messages"].([]any); ok {
			sysMsg := map[string]any{"role": "system", "content": sys}
			cleaned["messages"] = append([]any{sysMsg}, messages...)
		}

		delete(cleaned, "system")
	}

	if maxTokens, ok := cleaned["max_tokens"]; ok {
		cleaned["max_completion_tokens"] = maxTokens
		delete(cleaned, "max_tokens")
	}

	if messages, ok := cleaned["messages"].([]any); ok {
		cleaned["messages"] = r.transformMessages(messages)
	}

	if tools, ok := cleaned["tools"].([]any); ok {
		transformed, err := r.transformTools(tools)
		if err != nil || len(transformed) == 0 {
			delete(cleaned, "tool_choice")
		} else {
			cleaned["tools"] = transformed
		}
	}

	return json.Marshal(cleaned)
}

// Common / Anthropic response shapes shared by the non-stream conversion
// helper below.
type (
	commonResponse struct {
		ID      string         `json:"id"`
		Model   string         `json:"model"`
		Error   *commonError   `json:"error,omitempty"`
		Choices []commonChoice `json:"choices,omitempty"`
		Usage   *commonUsage   `json:"usage,omitempty"`
	}
	commonError struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	commonChoice struct {
		Message      *commonMessage `json:"message,omitempty"`
		Delta        *commonMessage `json:"delta,omitempty"`
		FinishReason *string        `json:"finish_reason,omitempty"`
	}
	commonMessage struct {
		Role         string              `json:"role,omitempty"`
		Content      *string             `json:"content,omitempty"`
		ToolCalls    []commonToolCall    `json:"tool_calls,omitempty"`
		ToolCallID   *string             `json:"tool_call_id,omitempty"`
		FunctionCall *commonFunctionCall `json:"function_call,omitempty"`
	}
	commonToolCall struct {
		ID       string             `json:"id"`
		Type     string             `json:"type"`
		Function commonFunctionCall `json:"function"`
	}
	commonFunctionCall struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}
	commonUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	}
)

// AnthropicResponse is the non-stream Anthropic wire shape every transformer
// converts into.
type AnthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role,omitempty"`
	Model      string             `json:"model"`
	Content    []AnthropicContent `json:"content,omitempty"`
	StopReason *string            `json:"stop_reason,omitempty"`
	Usage      *AnthropicUsage    `json:"usage,omitempty"`
	Error      *AnthropicError    `json:"error,omitempty"`
}

type AnthropicContent struct {
	Type      string  `json:"type"`
	Text      *string `json:"text,omitempty"`
	ID        *string `json:"id,omitempty"`
	Name      *string `json:"name,omitempty"`
	Input     any     `json:"input,omitempty"`
	ToolUseID *string `json:"tool_use_id,omitempty"`
	Content   any     `json:"content,omitempty"`
}

type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type AnthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ConvertToAnthropic converts an OpenAI-shaped non-stream response into
// AnthropicResponse wire bytes, given provider-specific error-type and
// tool-call-id mapping functions.
func ConvertToAnthropic(responseData []byte, mapErrType func(string) string, mapToolID func(string) string) ([]byte, error) {
	var resp commonResponse
	if err := json.Unmarshal(responseData, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if resp.Error != nil {
		out := AnthropicResponse{
			ID: resp.ID, Type: "error", Model: resp.Model,
			Error: &AnthropicError{Type: mapErrType(resp.Error.Type), Message: resp.Error.Message},
		}

		return json.Marshal(out)
	}

	if len(resp.Choices) == 0 {
		return nil, errors.New("no choices in response")
	}

	choice := resp.Choices[0]

	message := choice.Message
	if message == nil {
		message = choice.Delta
	}

	if message == nil {
		return nil, errors.New("no message content in choice")
	}

	content, err := convertMessageContent(message, mapToolID)
	if err != nil {
		return nil, fmt.Errorf("convert message content: %w", err)
	}

	out := AnthropicResponse{ID: resp.ID, Type: "message", Role: RoleAssistant, Model: resp.Model, Content: content}

	if choice.FinishReason != nil {
		out.StopReason = ConvertStopReason(*choice.FinishReason)
	}

	if resp.Usage != nil {
		out.Usage = &AnthropicUsage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	}

	return json.Marshal(out)
}

func convertMessageContent(message *commonMessage, mapToolID func(string) string) ([]AnthropicContent, error) {
	var content []AnthropicContent

	if message.Content != nil && *message.Content != "" {
		content = append(content, AnthropicContent{Type: ContentTypeText, Text: message.Content})
	}

	for _, tc := range message.ToolCalls {
		var input map[string]any

		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				return nil, fmt.Errorf("parse tool call arguments: %w", err)
			}
		}

		id := mapToolID(tc.ID)
		name := tc.Function.Name
		content = append(content, AnthropicContent{Type: ContentTypeToolUse, ID: &id, Name: &name, Input: input})
	}

	if message.Role == "tool" && message.ToolCallID != nil {
		var toolContent any

		if message.Content != nil {
			var decoded any
			if err := json.Unmarshal([]byte(*message.Content), &decoded); err == nil {
				toolContent = decoded
			} else {
				toolContent = *message.Content
			}
		}

		id := mapToolID(*message.ToolCallID)
		content = append(content, AnthropicContent{Type: MessageTypeResult, ToolUseID: &id, Content: toolContent})
	}

	if message.FunctionCall != nil {
		var input map[string]any

		if message.FunctionCall.Arguments != "" {
			if err := json.Unmarshal([]byte(message.FunctionCall.Arguments), &input); err != nil {
				return nil, fmt.Errorf("parse function call arguments: %w", err)
			}
		}

		id := fmt.Sprintf("func_%d", time.Now().UnixNano())
		name := message.FunctionCall.Name
		content = append(content, AnthropicContent{Type: ContentTypeToolUse, ID: &id, Name: &name, Input: input})
	}

	if len(content) == 0 {
		empty := ""
		content = append(content, AnthropicContent{Type: ContentTypeText, Text: &empty})
	}

	return content, nil
}

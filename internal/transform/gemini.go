package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mihaisavezi/claude-code-open/internal/sse"
)

// newGeminiTransformer builds the transformer for Google's Generative
// Language API. Gemini's wire shape (contents/parts, camelCase field names,
// no OpenAI-style choices array) is different enough from the other three
// providers that it gets its own implementation rather than going through
// openAICompat, directly ported from providers/gemini.go.
func newGeminiTransformer(map[string]any) (*Transformer, error) {
	g := geminiTransform{}

	return &Transformer{
		Name:              "gemini",
		RewriteBody:       g.rewriteBody,
		TransformResponse: g.transformResponse,
		TransformStream:   g.transformStream,
	}, nil
}

type geminiTransform struct{}

type geminiResponse struct {
	Candidates     []geminiCandidate     `json:"candidates,omitempty"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback,omitempty"`
	UsageMetadata  *geminiUsageMetadata  `json:"usageMetadata,omitempty"`
	ModelVersion   string                `json:"modelVersion,omitempty"`
	ResponseID     string                `json:"responseId,omitempty"`
	Error          *geminiError          `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content      *geminiContent `json:"content,omitempty"`
	FinishReason string         `json:"finishReason,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts,omitempty"`
	Role  string       `json:"role,omitempty"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string `json:"name"`
	Response any    `json:"response"`
}

type geminiPromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
}

type geminiError struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

// rewriteBody converts an Anthropic-shaped request into Gemini's
// contents/parts shape, folding tools and generation-config knobs across.
func (g geminiTransform) rewriteBody(body []byte) ([]byte, error) {
	var anthropicReq map[string]any
	if err := json.Unmarshal(body, &anthropicReq); err != nil {
		return nil, fmt.Errorf("unmarshal anthropic request: %w", err)
	}

	geminiReq := make(map[string]any)

	contents, err := g.convertMessages(anthropicReq)
	if err != nil {
		return nil, fmt.Errorf("convert messages: %w", err)
	}

	geminiReq["contents"] = contents

	generationConfig := make(map[string]any)

	if maxTokens, ok := anthropicReq["max_tokens"].(float64); ok {
		generationConfig["maxOutputTokens"] = int(maxTokens)
	}

	if temperature, ok := anthropicReq["temperature"].(float64); ok {
		generationConfig["temperature"] = temperature
	}

	if topP, ok := anthropicReq["top_p"].(float64); ok {
		generationConfig["topP"] = topP
	}

	if topK, ok := anthropicReq["top_k"].(float64); ok {
		generationConfig["topK"] = int(topK)
	}

	if len(generationConfig) > 0 {
		geminiReq["generationConfig"] = generationConfig
	}

	if tools, ok := anthropicReq["tools"].([]any); ok && len(tools) > 0 {
		if geminiTools := g.convertTools(tools); len(geminiTools) > 0 {
			geminiReq["tools"] = geminiTools
		}
	}

	return json.Marshal(geminiReq)
}

func (g geminiTransform) convertMessages(anthropicReq map[string]any) ([]any, error) {
	var contents []any

	if systemContent, hasSystem := anthropicReq["system"]; hasSystem {
		if systemStr, ok := systemContent.(string); ok {
			contents = append(contents, map[string]any{
				"parts": []any{map[string]any{"text": systemStr}},
				"role":  RoleUser,
			})
		}
	}

	messages, ok := anthropicReq["messages"].([]any)
	if !ok {
		return contents, nil
	}

	for _, message := range messages {
		msgMap, ok := message.(map[string]any)
		if !ok {
			continue
		}

		converted, err := g.convertMessage(msgMap)
		if err != nil {
			return nil, err
		}

		if converted != nil {
			contents = append(contents, converted)
		}
	}

	return contents, nil
}

func (g geminiTransform) convertMessage(message map[string]any) (map[string]any, error) {
	role, _ := message["role"].(string)
	content := message["content"]

	var parts []any

	switch c := content.(type) {
	case string:
		parts = append(parts, map[string]any{"text": c})
	case []any:
		for _, block := range c {
			blockMap, ok := block.(map[string]any)
			if !ok {
				continue
			}

			if part := g.convertContentBlock(blockMap); part != nil {
				parts = append(parts, part)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported content type: %T", content)
	}

	geminiRole := RoleUser
	if role == RoleAssistant {
		geminiRole = "model"
	}

	return map[string]any{"parts": parts, "role": geminiRole}, nil
}

func (g geminiTransform) convertContentBlock(block map[string]any) map[string]any {
	blockType, _ := block["type"].(string)

	switch blockType {
	case ContentTypeText:
		if text, ok := block["text"].(string); ok {
			return map[string]any{"text": text}
		}
	case ContentTypeToolUse:
		name, ok := block["name"].(string)
		if !ok {
			return nil
		}

		fn := map[string]any{"name": name}
		if input := block["input"]; input != nil {
			fn["args"] = input
		}

		return map[string]any{"functionCall": fn}
	case MessageTypeResult:
		toolUseID, ok := block["tool_use_id"].(string)
		if !ok {
			return nil
		}

		var response any

		if content := block["content"]; content != nil {
			if contentStr, ok := content.(string); ok {
				response = map[string]any{"content": contentStr}
			} else {
				response = content
			}
		} else {
			response = map[string]any{}
		}

		return map[string]any{
			"functionResponse": map[string]any{"name": toolUseID, "response": response},
		}
	}

	return nil
}

func (g geminiTransform) convertTools(tools []any) []any {
	declarations := make([]any, 0, len(tools))

	for _, tool := range tools {
		toolMap, ok := tool.(map[string]any)
		if !ok {
			continue
		}

		decl := map[string]any{"name": toolMap["name"]}

		if desc, ok := toolMap["description"]; ok {
			decl["description"] = desc
		}

		if schema, ok := toolMap["input_schema"]; ok {
			decl["parameters"] = schema
		}

		declarations = append(declarations, decl)
	}

	if len(declarations) == 0 {
		return nil
	}

	return []any{map[string]any{"functionDeclarations": declarations}}
}

// transformResponse converts a full non-stream Gemini response into
// Anthropic wire bytes.
func (g geminiTransform) transformResponse(body []byte) ([]byte, error) {
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal gemini response: %w", err)
	}

	if resp.Error != nil {
		out := AnthropicResponse{
			ID: resp.ResponseID, Type: "error", Model: resp.ModelVersion,
			Error: &AnthropicError{Type: mapGeminiErrorType(resp.Error.Status), Message: resp.Error.Message},
		}

		return json.Marshal(out)
	}

	if len(resp.Candidates) == 0 {
		return nil, errors.New("no candidates in gemini response")
	}

	candidate := resp.Candidates[0]

	out := AnthropicResponse{
		ID: resp.ResponseID, Type: "message", Role: RoleAssistant, Model: resp.ModelVersion,
		Content: g.convertContent(candidate.Content),
	}

	if candidate.FinishReason != "" {
		out.StopReason = mapGeminiStopReason(candidate.FinishReason)
	}

	if resp.UsageMetadata != nil {
		out.Usage = &AnthropicUsage{
			InputTokens: resp.UsageMetadata.PromptTokenCount, OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		}
	}

	return json.Marshal(out)
}

func (g geminiTransform) convertContent(content *geminiContent) []AnthropicContent {
	if content == nil {
		empty := ""
		return []AnthropicContent{{Type: ContentTypeText, Text: &empty}}
	}

	var result []AnthropicContent

	for _, part := range content.Parts {
		part := part

		if part.Text != "" {
			result = append(result, AnthropicContent{Type: ContentTypeText, Text: &part.Text})
		}

		if part.FunctionCall != nil {
			id := fmt.Sprintf("toolu_%d", time.Now().UnixNano())
			result = append(result, AnthropicContent{
				Type: ContentTypeToolUse, ID: &id, Name: &part.FunctionCall.Name, Input: part.FunctionCall.Args,
			})
		}

		if part.FunctionResponse != nil {
			id := fmt.Sprintf("toolu_%s_%d", part.FunctionResponse.Name, time.Now().UnixNano())
			result = append(result, AnthropicContent{
				Type: MessageTypeResult, ToolUseID: &id, Content: part.FunctionResponse.Response,
			})
		}
	}

	if len(result) == 0 {
		empty := ""
		result = append(result, AnthropicContent{Type: ContentTypeText, Text: &empty})
	}

	return result
}

func mapGeminiStopReason(geminiReason string) *string {
	mapping := map[string]string{
		"STOP":                      StopReasonEndTurn,
		"MAX_TOKENS":                "max_tokens",
		"SAFETY":                    "stop_sequence",
		"RECITATION":                "stop_sequence",
		"LANGUAGE":                  "stop_sequence",
		"OTHER":                     StopReasonEndTurn,
		"BLOCKLIST":                 "stop_sequence",
		"PROHIBITED_CONTENT":        "stop_sequence",
		"SPII":                      "stop_sequence",
		"MALFORMED_FUNCTION_CALL":   "tool_use",
		"FINISH_REASON_UNSPECIFIED": StopReasonEndTurn,
	}

	if mapped, ok := mapping[geminiReason]; ok {
		return &mapped
	}

	def := StopReasonEndTurn

	return &def
}

func mapGeminiErrorType(status string) string {
	mapping := map[string]string{
		"INVALID_ARGUMENT":   "invalid_request_error",
		"UNAUTHENTICATED":    "authentication_error",
		"PERMISSION_DENIED":  "permission_error",
		"NOT_FOUND":          "not_found_error",
		"RESOURCE_EXHAUSTED": "rate_limit_error",
		"INTERNAL":           "api_error",
		"UNAVAILABLE":        "overloaded_error",
		"DEADLINE_EXCEEDED":  "rate_limit_error",
	}

	if mapped, ok := mapping[status]; ok {
		return mapped
	}

	return "api_error"
}

// transformStream converts one decoded Gemini streaming chunk into zero or
// more Anthropic SSE events.
func (g geminiTransform) transformStream(data any, state *StreamState) ([]sse.Event, error) {
	chunk, ok := data.(map[string]any)
	if !ok {
		return nil, nil
	}

	var events []sse.Event

	if responseID, ok := chunk["responseId"].(string); ok && state.MessageID == "" {
		state.MessageID = responseID
	}

	if modelVersion, ok := chunk["modelVersion"].(string); ok && state.Model == "" {
		state.Model = modelVersion
	}

	candidates, ok := chunk["candidates"].([]any)
	if !ok || len(candidates) == 0 {
		return events, nil
	}

	candidate, ok := candidates[0].(map[string]any)
	if !ok {
		return events, nil
	}

	if !state.MessageStartSent {
		events = append(events, ev("message_start", g.createMessageStartEvent(state, chunk)))
		state.MessageStartSent = true
	}

	if state.ContentBlocks == nil {
		state.ContentBlocks = make(map[int]*ContentBlockState)
	}

	if content, ok := candidate["content"].(map[string]any); ok {
		if parts, ok := content["parts"].([]any); ok {
			events = append(events, g.handleParts(parts, state)...)
		}
	}

	if reason, ok := candidate["finishReason"].(string); ok && reason != "" {
		events = append(events, g.handleFinish(reason, chunk, state)...)
	}

	return events, nil
}

func (g geminiTransform) createMessageStartEvent(state *StreamState, chunk map[string]any) map[string]any {
	usage := map[string]any{"input_tokens": 0, "output_tokens": 1}

	if usageMetadata, ok := chunk["usageMetadata"].(map[string]any); ok {
		if promptTokens, ok := usageMetadata["promptTokenCount"]; ok {
			usage["input_tokens"] = promptTokens
		}
	}

	return CreateMessageStartEvent(state.MessageID, state.Model, usage)
}

func (g geminiTransform) handleParts(parts []any, state *StreamState) []sse.Event {
	var events []sse.Event

	for _, raw := range parts {
		partMap, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		if text, ok := partMap["text"].(string); ok && text != "" {
			events = append(events, g.handleText(text, state)...)
		}

		if fc, ok := partMap["functionCall"].(map[string]any); ok {
			events = append(events, g.handleFunctionCall(fc, state)...)
		}
	}

	return events
}

func (g geminiTransform) handleText(text string, state *StreamState) []sse.Event {
	idx := 0
	if _, exists := state.ContentBlocks[idx]; !exists {
		state.ContentBlocks[idx] = &ContentBlockState{Type: ContentTypeText}
	}

	block := state.ContentBlocks[idx]

	var events []sse.Event

	if !block.StartSent {
		events = append(events, ev("content_block_start", map[string]any{
			"type": "content_block_start", "index": idx,
			"content_block": map[string]any{"type": ContentTypeText, "text": ""},
		}))
		block.StartSent = true
	}

	events = append(events, ev("content_block_delta", map[string]any{
		"type": "content_block_delta", "index": idx,
		"delta": map[string]any{"type": "text_delta", "text": text},
	}))

	return events
}

func (g geminiTransform) handleFunctionCall(fc map[string]any, state *StreamState) []sse.Event {
	name, _ := fc["name"].(string)
	args, _ := fc["args"].(map[string]any)

	idx := len(state.ContentBlocks)
	toolCallID := fmt.Sprintf("toolu_gemini_%d", time.Now().UnixNano())

	block := &ContentBlockState{Type: ContentTypeToolUse, ToolCallID: toolCallID, ToolName: name}
	state.ContentBlocks[idx] = block

	events := []sse.Event{ev("content_block_start", map[string]any{
		"type": "content_block_start", "index": idx,
		"content_block": map[string]any{
			"type": ContentTypeToolUse, "id": block.ToolCallID, "name": block.ToolName, "input": map[string]any{},
		},
	})}
	block.StartSent = true

	if args != nil {
		if argsJSON, err := json.Marshal(args); err == nil {
			events = append(events, ev("content_block_delta", map[string]any{
				"type": "content_block_delta", "index": idx,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": string(argsJSON)},
			}))
		}
	}

	return events
}

func (g geminiTransform) handleFinish(reason string, chunk map[string]any, state *StreamState) []sse.Event {
	var events []sse.Event

	for idx, block := range state.ContentBlocks {
		if block.StartSent && !block.StopSent {
			events = append(events, ev("content_block_stop", map[string]any{"type": "content_block_stop", "index": idx}))
			block.StopSent = true
		}
	}

	delta := map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": mapGeminiStopReason(reason), "stop_sequence": nil},
	}

	if usageMetadata, ok := chunk["usageMetadata"].(map[string]any); ok {
		usage := make(map[string]any)

		if v, ok := usageMetadata["promptTokenCount"]; ok {
			usage["input_tokens"] = v
		}

		if v, ok := usageMetadata["candidatesTokenCount"]; ok {
			usage["output_tokens"] = v
		}

		if len(usage) > 0 {
			delta["usage"] = usage
		}
	}

	events = append(events, ev("message_delta", delta))
	events = append(events, ev("message_stop", map[string]any{"type": "message_stop"}))

	return events
}

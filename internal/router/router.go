// Package router implements the provider-selection and transformer-chain
// dispatch component (spec §4.E), grounded on the teacher's
// internal/handlers/proxy.go ServeHTTP order of operations: read body, count
// tokens, select model, find provider, rewrite outgoing, call upstream,
// transform incoming (streaming or not).
package router

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/sync/semaphore"

	"github.com/mihaisavezi/claude-code-open/internal/agent"
	"github.com/mihaisavezi/claude-code-open/internal/apierr"
	"github.com/mihaisavezi/claude-code-open/internal/config"
	"github.com/mihaisavezi/claude-code-open/internal/sse"
	"github.com/mihaisavezi/claude-code-open/internal/transform"
	"github.com/mihaisavezi/claude-code-open/internal/usage"
)

// DefaultProviderConcurrency bounds in-flight upstream calls per provider
// name, grounded on giantswarm-muster's golang.org/x/sync/semaphore use for
// bounding concurrent MCP operations (spec §5 resource model).
const DefaultProviderConcurrency = 8

// SessionHeader is the header clients may set to correlate a request with a
// prior one's usage record; a sessionId query parameter is accepted
// equivalently, and the router generates an id when neither is present.
const SessionHeader = "mcp-session-id"

// Router dispatches one Anthropic-shaped HTTP request to the configured
// provider, applying that provider's transformer chain in both directions.
type Router struct {
	config   *config.Manager
	registry *transform.Registry
	usage    *usage.Cache
	logger   *slog.Logger
	client   *http.Client

	mu          sync.Mutex
	limiters    map[string]*semaphore.Weighted
	concurrency int64

	tools         *agent.Registry
	maxToolRounds int
}

// SetTools wires a tool registry into the router (spec §4.F): once set,
// streaming responses are driven through an agent.Loop so tool_use blocks
// naming a registered tool are intercepted and their results folded into a
// recursive continuation instead of being forwarded to the client verbatim.
// maxToolRounds <= 0 uses agent.DefaultMaxToolRounds.
func (rt *Router) SetTools(tools *agent.Registry, maxToolRounds int) {
	rt.tools = tools
	rt.maxToolRounds = maxToolRounds
}

// New builds a Router. concurrency <= 0 uses DefaultProviderConcurrency.
func New(cfg *config.Manager, registry *transform.Registry, usageCache *usage.Cache, logger *slog.Logger, concurrency int64) *Router {
	if concurrency <= 0 {
		concurrency = DefaultProviderConcurrency
	}

	return &Router{
		config:      cfg,
		registry:    registry,
		usage:       usageCache,
		logger:      logger,
		client:      &http.Client{},
		limiters:    make(map[string]*semaphore.Weighted),
		concurrency: concurrency,
	}
}

func (rt *Router) limiterFor(provider string) *semaphore.Weighted {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	l, ok := rt.limiters[provider]
	if !ok {
		l = semaphore.NewWeighted(rt.concurrency)
		rt.limiters[provider] = l
	}

	return l
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		sessionID = r.URL.Query().Get("sessionId")
	}

	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		rt.writeError(w, false, apierr.New(apierr.InvalidRequest, http.StatusBadRequest, "failed to read request body"))
		return
	}

	resp, chain, dispatchedBody, err := rt.dispatch(r.Context(), body)
	if err != nil {
		rt.writeDispatchError(w, err)
		return
	}
	defer resp.Body.Close()

	if isEventStream(resp.Header) {
		rt.streamResponse(w, r.Context(), resp, chain, sessionID, dispatchedBody, 0)
	} else {
		rt.fullResponse(w, resp, chain, sessionID)
	}
}

// Continue implements agent.Continuer: it performs the same dispatch as
// ServeHTTP for a recursive tool-result continuation request, but hands the
// raw upstream response and its chain back to the caller instead of writing
// to an http.ResponseWriter (spec §9 decision 1).
func (rt *Router) Continue(ctx context.Context, body []byte) (*http.Response, transform.Chain, error) {
	resp, chain, _, err := rt.dispatch(ctx, body)

	return resp, chain, err
}

// dispatchError carries the apierr.Error produced mid-dispatch so both
// ServeHTTP and Continue's callers can render it appropriately.
type dispatchError struct{ apiErr *apierr.Error }

func (d *dispatchError) Error() string { return d.apiErr.Message }

func (rt *Router) writeDispatchError(w http.ResponseWriter, err error) {
	if de, ok := err.(*dispatchError); ok {
		rt.writeError(w, false, de.apiErr)
		return
	}

	rt.writeError(w, false, apierr.Wrap(apierr.UpstreamError, http.StatusBadGateway, "dispatch failed", err))
}

// dispatch selects the provider/model, rewrites the outgoing request through
// its transformer chain, and issues the upstream call, returning the raw
// response for the caller to stream or buffer.
// dispatch returns, alongside the raw upstream response and its transformer
// chain, the Anthropic-shaped request body actually sent this round (model
// resolved, pre RewriteOutgoing) so agent.Loop can fold tool results into it
// unchanged for the next continuation round.
func (rt *Router) dispatch(ctx context.Context, body []byte) (*http.Response, transform.Chain, []byte, error) {
	cfg := rt.config.Get()

	inputTokens := rt.countTokens(string(body))

	updatedBody, modelConfig := rt.selectModel(body, inputTokens, &cfg.Router)

	providerName, modelName := transform.ExtractModelFromConfig(modelConfig)

	providerCfg, err := rt.findProviderConfig(providerName, cfg)
	if err != nil {
		return nil, transform.Chain{}, nil, &dispatchError{apierr.Wrap(apierr.UnknownProvider, http.StatusNotFound, "provider not found", err)}
	}

	global, perModel := providerCfg.BuildChainArgs(modelName)

	chain, err := rt.registry.BuildChain(global, perModel)
	if err != nil {
		return nil, transform.Chain{}, nil, &dispatchError{apierr.Wrap(apierr.TransformerError, http.StatusInternalServerError, "failed to build transformer chain", err)}
	}

	updatedBody = rt.setModel(updatedBody, modelName)

	apiKey, ok := providerCfg.NextAPIKey()
	if !ok {
		return nil, transform.Chain{}, nil, &dispatchError{apierr.ErrNoCredentials}
	}

	limiter := rt.limiterFor(providerCfg.Name)
	if err := limiter.Acquire(ctx, 1); err != nil {
		return nil, transform.Chain{}, nil, &dispatchError{apierr.ErrRateLimited}
	}
	defer limiter.Release(1)

	httpReq := &transform.HTTPRequest{
		URL:     rt.buildEndpointURL(providerCfg, modelName),
		Method:  http.MethodPost,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    updatedBody,
	}

	httpReq, err = chain.RewriteOutgoing(httpReq)
	if err != nil {
		return nil, transform.Chain{}, nil, &dispatchError{apierr.Wrap(apierr.TransformerError, http.StatusInternalServerError, "outgoing transform failed", err)}
	}

	rt.setAuthHeader(httpReq, providerCfg.Name, apiKey)

	upstreamReq, err := http.NewRequestWithContext(ctx, httpReq.Method, httpReq.URL, bytes.NewReader(httpReq.Body))
	if err != nil {
		return nil, transform.Chain{}, nil, &dispatchError{apierr.Wrap(apierr.InvalidRequest, http.StatusInternalServerError, "failed to build upstream request", err)}
	}

	for k, v := range httpReq.Headers {
		upstreamReq.Header.Set(k, v)
	}

	rt.logger.Info("routing request", "provider", providerCfg.Name, "model", modelName, "input_tokens", inputTokens)

	resp, err := rt.client.Do(upstreamReq)
	if err != nil {
		return nil, transform.Chain{}, nil, &dispatchError{apierr.Wrap(apierr.UpstreamError, http.StatusBadGateway, "upstream request failed", err)}
	}

	return resp, chain, updatedBody, nil
}

func isEventStream(h http.Header) bool {
	return strings.Contains(h.Get("Content-Type"), "text/event-stream") || h.Get("Transfer-Encoding") == "chunked"
}

func (rt *Router) fullResponse(w http.ResponseWriter, resp *http.Response, chain transform.Chain, sessionID string) {
	bodyReader, err := decompress(resp)
	if err != nil {
		rt.writeError(w, false, apierr.Wrap(apierr.UpstreamError, http.StatusBadGateway, "decompression failed", err))
		return
	}

	if closer, ok := bodyReader.(io.Closer); ok {
		defer closer.Close()
	}

	respBody, err := io.ReadAll(bodyReader)
	if err != nil {
		rt.writeError(w, false, apierr.Wrap(apierr.UpstreamError, http.StatusBadGateway, "failed to read upstream response", err))
		return
	}

	finalBody := respBody

	if resp.StatusCode == http.StatusOK {
		if transformed, err := chain.TransformIncomingBody(respBody); err != nil {
			rt.logger.Warn("response transform failed, forwarding original", "error", err)
		} else {
			finalBody = transformed
		}
	}

	copyHeaders(w, resp)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(finalBody)

	rt.recordUsageFromBody(sessionID, finalBody)
}

func (rt *Router) streamResponse(w http.ResponseWriter, ctx context.Context, resp *http.Response, chain transform.Chain, sessionID string, dispatchedBody []byte, round int) {
	bodyReader, err := decompress(resp)
	if err != nil {
		rt.writeError(w, false, apierr.Wrap(apierr.UpstreamError, http.StatusBadGateway, "decompression failed", err))
		return
	}

	if closer, ok := bodyReader.(io.Closer); ok {
		defer closer.Close()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	copyHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	serializer := sse.Serializer{}

	if rt.tools != nil && resp.StatusCode == http.StatusOK {
		rt.streamThroughAgent(ctx, bodyReader, chain, sessionID, dispatchedBody, round, w, flusher, serializer)

		return
	}

	parser := sse.NewParser(bodyReader)
	state := transform.NewStreamState()
	passthrough := resp.StatusCode != http.StatusOK

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ev, err := parser.Next()
		if err != nil && ev.Event == "" && !ev.HasData {
			break
		}

		if passthrough {
			rt.writeFrame(w, flusher, serializer, ev)

			if err == io.EOF {
				break
			}

			continue
		}

		if raw, ok := ev.DataRaw(); ok && raw == sse.Done {
			rt.writeFrame(w, flusher, serializer, ev)
			break
		}

		if !ev.HasData {
			rt.writeFrame(w, flusher, serializer, ev)

			if err == io.EOF {
				break
			}

			continue
		}

		events, transformErr := chain.TransformIncomingStream(ev.Data, state)
		if transformErr != nil {
			rt.logger.Error("stream transform error", "error", transformErr)
			rt.writeFrame(w, flusher, serializer, ev)
		} else {
			for _, out := range events {
				if data, ok := out.DataJSON(); ok {
					if rec, ok := usage.FromMessageDelta(out.Event, data); ok {
						rt.usage.Put(sessionID, rec)
					}
				}

				rt.writeFrame(w, flusher, serializer, out)
			}
		}

		if err == io.EOF {
			break
		}
	}
}

// streamThroughAgent drives the original (round-0) client stream through an
// agent.Loop instead of writing transformed frames directly, so tool_use
// blocks naming a registered tool are intercepted the same way a recursive
// continuation's stream already is (spec §4.F). Non-tool events flow through
// unchanged; dispatchedBody is the Anthropic-shaped request this round's
// tool results get folded into for the next continuation.
func (rt *Router) streamThroughAgent(
	ctx context.Context,
	bodyReader io.Reader,
	chain transform.Chain,
	sessionID string,
	dispatchedBody []byte,
	round int,
	w http.ResponseWriter,
	flusher http.Flusher,
	serializer sse.Serializer,
) {
	parser := sse.NewParser(bodyReader)
	state := transform.NewStreamState()
	next := chain.NewEventPump(parser, state)

	loop := agent.NewLoop(rt.tools, rt, rt.logger, rt.maxToolRounds)
	out := sse.NewRewriter(16)

	go func() {
		_ = loop.Run(ctx, dispatchedBody, round, next, out)
	}()

	for ev := range out.Out {
		if data, ok := ev.DataJSON(); ok {
			if rec, ok := usage.FromMessageDelta(ev.Event, data); ok {
				rt.usage.Put(sessionID, rec)
			}
		}

		rt.writeFrame(w, flusher, serializer, ev)
	}
}

func (rt *Router) writeFrame(w http.ResponseWriter, flusher http.Flusher, s sse.Serializer, ev sse.Event) {
	b, err := s.Marshal(ev)
	if err != nil {
		rt.logger.Error("failed to marshal sse event", "error", err)
		return
	}

	_, _ = w.Write(b)

	if flusher != nil {
		flusher.Flush()
	}
}

func (rt *Router) recordUsageFromBody(sessionID string, body []byte) {
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return
	}

	usageRaw, ok := decoded["usage"].(map[string]any)
	if !ok {
		return
	}

	rt.usage.Put(sessionID, usage.Record{
		InputTokens:              toInt(usageRaw["input_tokens"]),
		OutputTokens:             toInt(usageRaw["output_tokens"]),
		CacheCreationInputTokens: toInt(usageRaw["cache_creation_input_tokens"]),
		CacheReadInputTokens:     toInt(usageRaw["cache_read_input_tokens"]),
	})
}

func toInt(v any) int {
	if f, ok := v.(float64); ok {
		return int(f)
	}

	return 0
}

// selectModel applies the router's automatic model-selection rules (spec
// §3): an explicit "<provider>,<model>" request wins outright; otherwise
// long-context / background / think / web-search overrides apply in that
// order, falling back to the requested model verbatim.
func (rt *Router) selectModel(body []byte, tokens int, routerCfg *config.RouterConfig) ([]byte, string) {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return body, routerCfg.Default
	}

	model, _ := parsed["model"].(string)

	var selected string

	switch {
	case model == "":
		selected = routerCfg.Default
	case strings.Contains(model, ","):
		selected = model
	case tokens > 60000 && routerCfg.LongContext != "":
		selected = routerCfg.LongContext
	case strings.HasPrefix(model, "claude-3-5-haiku") && routerCfg.Background != "":
		selected = routerCfg.Background
	case routerCfg.Think != "":
		selected = routerCfg.Think
	case routerCfg.WebSearch != "":
		selected = routerCfg.WebSearch
	default:
		selected = model
	}

	return body, selected
}

func (rt *Router) setModel(body []byte, modelName string) []byte {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return body
	}

	parsed["model"] = modelName

	updated, err := json.Marshal(parsed)
	if err != nil {
		return body
	}

	return updated
}

func (rt *Router) findProviderConfig(providerName string, cfg *config.Config) (*config.Provider, error) {
	for i := range cfg.Providers {
		if cfg.Providers[i].Name == providerName {
			if cfg.Providers[i].Disabled {
				return nil, fmt.Errorf("provider %q is disabled", providerName)
			}

			return &cfg.Providers[i], nil
		}
	}

	return nil, fmt.Errorf("provider %q not configured", providerName)
}

func (rt *Router) buildEndpointURL(providerCfg *config.Provider, modelName string) string {
	if providerCfg.Name == "gemini" {
		return strings.TrimSuffix(providerCfg.APIBase, "/") + "/" + modelName + ":generateContent"
	}

	return providerCfg.APIBase
}

func (rt *Router) setAuthHeader(req *transform.HTTPRequest, providerName, apiKey string) {
	switch providerName {
	case "gemini":
		req.Headers["x-goog-api-key"] = apiKey
	default:
		req.Headers["Authorization"] = "Bearer " + apiKey
	}
}

func (rt *Router) countTokens(text string) int {
	return rt.CountTokens(text)
}

// CountTokens exposes the router's tiktoken-based estimate for the
// /v1/messages/count_tokens endpoint (spec §6).
func (rt *Router) CountTokens(text string) int {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		rt.logger.Error("failed to load tiktoken encoding", "error", err)
		return 0
	}

	return len(enc.Encode(text, nil, nil))
}

func decompress(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}

func copyHeaders(w http.ResponseWriter, resp *http.Response) {
	for key, values := range resp.Header {
		if key == "Content-Encoding" || key == "Content-Length" {
			continue
		}

		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
}

func (rt *Router) writeError(w http.ResponseWriter, streaming bool, apiErr *apierr.Error) {
	rt.logger.Error("router error", "type", apiErr.ErrType, "message", apiErr.Message)

	if streaming {
		_, _ = w.Write(sse.FormatSSEEvent("error", apiErr.Body()))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(w).Encode(apiErr.Body())
}

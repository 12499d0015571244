// Package handlers contains the shared request pipeline behind every chat
// endpoint: dialect detection, conversation lookup, reasoning analysis,
// normalization to the neutral request shape, routing, the resilient backend
// exchange, and denormalization back into the caller's dialect.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/modelbridge/modelbridge/internal/api/middleware"
	"github.com/modelbridge/modelbridge/internal/apierror"
	"github.com/modelbridge/modelbridge/internal/backend"
	"github.com/modelbridge/modelbridge/internal/config"
	"github.com/modelbridge/modelbridge/internal/conversation"
	"github.com/modelbridge/modelbridge/internal/degrade"
	"github.com/modelbridge/modelbridge/internal/detect"
	"github.com/modelbridge/modelbridge/internal/metrics"
	"github.com/modelbridge/modelbridge/internal/reasoning"
	"github.com/modelbridge/modelbridge/internal/resilience"
	"github.com/modelbridge/modelbridge/internal/router"
	"github.com/modelbridge/modelbridge/internal/streaming"
	"github.com/modelbridge/modelbridge/internal/translator/translator"
)

// BaseHandler wires the pipeline dependencies shared by the dialect handlers.
type BaseHandler struct {
	mu       sync.RWMutex
	cfg      *config.Config
	store    *conversation.Store
	table    *router.Table
	breakers *resilience.Registry
	backends map[string]backend.Client
	engine   *streaming.Engine
}

// NewBaseHandler creates the shared handler core.
func NewBaseHandler(cfg *config.Config, store *conversation.Store, table *router.Table, breakers *resilience.Registry, backends map[string]backend.Client) *BaseHandler {
	return &BaseHandler{
		cfg:      cfg,
		store:    store,
		table:    table,
		breakers: breakers,
		backends: backends,
		engine:   &streaming.Engine{},
	}
}

// Config returns the current configuration snapshot.
func (h *BaseHandler) Config() *config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// UpdateConfig swaps the configuration after a hot reload.
func (h *BaseHandler) UpdateConfig(cfg *config.Config) {
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
}

// Table returns the routing table.
func (h *BaseHandler) Table() *router.Table { return h.table }

// Breakers returns the circuit breaker registry.
func (h *BaseHandler) Breakers() *resilience.Registry { return h.breakers }

// Backends returns the configured backend clients keyed by provider.
func (h *BaseHandler) Backends() map[string]backend.Client { return h.backends }

// ProcessMessages runs the full pipeline for one chat request. The request
// path seeds dialect detection; the body shape can still decide it for
// callers posting cross-dialect payloads to ambiguous paths.
func (h *BaseHandler) ProcessMessages(c *gin.Context) {
	cfg := h.Config()
	if limit := cfg.MaxRequestBodyBytes; limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	}
	raw, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.WriteError(c, apierror.DialectClaude, apierror.Wrap(apierror.KindValidation, "request body exceeds the size limit", err))
			return
		}
		h.WriteError(c, apierror.DialectClaude, apierror.Wrap(apierror.KindValidation, "failed to read request body", err))
		return
	}
	correlationID := c.GetString(middleware.ContextKeyCorrelationID)

	format := detect.Detect(c.Request.URL.Path, raw)
	dialect := string(format)
	switch format {
	case detect.FormatClaude:
		metrics.RequestsClaude.Add(1)
	case detect.FormatOpenAI:
		metrics.RequestsOpenAI.Add(1)
	}

	pipeline := translator.For(format)
	conversationID := conversation.ExtractConversationID(c.Request.Header, correlationID)
	requestedModel := gjson.GetBytes(raw, "model").String()
	if requestedModel == "" {
		h.WriteError(c, dialect, apierror.Validation("model", "model must not be empty"))
		return
	}

	decision, err := h.table.Resolve(requestedModel)
	if err != nil {
		h.WriteError(c, dialect, apierror.AsFailure(err))
		return
	}

	effort := h.resolveEffort(format, raw, conversationID)
	stream := gjson.GetBytes(raw, "stream").Bool()

	opts := translator.RequestOptions{
		BackendModel:       decision.BackendModel,
		Stream:             stream,
		Sanitize:           cfg.ContentSecurity,
		Effort:             string(effort),
		PreviousResponseID: h.store.GetPreviousResponseID(conversationID),
	}
	neutralReq, err := pipeline.Request(raw, opts)
	if err != nil {
		h.WriteError(c, dialect, apierror.AsFailure(err))
		return
	}

	client, ok := h.backends[decision.Provider]
	if !ok {
		h.WriteError(c, dialect, apierror.New(apierror.KindValidation, "provider not configured: "+decision.Provider))
		return
	}
	breaker := h.breakers.Get(decision.Provider)
	retryOpts := resilience.RetryOptions{
		MaxAttempts: retryBudget(client) + 1,
		Timeout:     retryTimeout(client),
	}

	log.WithFields(log.Fields{
		"correlation_id": correlationID,
		"dialect":        dialect,
		"provider":       decision.Provider,
		"model":          decision.BackendModel,
		"effort":         string(effort),
		"stream":         stream,
	}).Debug("dispatching request")

	st := processState{
		cfg: cfg, dialect: dialect, correlationID: correlationID,
		conversationID: conversationID, requestedModel: requestedModel,
		neutralReq: neutralReq,
	}
	if stream {
		h.processStream(c, pipeline, client, breaker, retryOpts, st)
		return
	}
	h.processUnary(c, pipeline, client, breaker, retryOpts, st)
}

// processState carries the per-request values through the exchange helpers.
type processState struct {
	cfg            *config.Config
	dialect        string
	correlationID  string
	conversationID string
	requestedModel string
	neutralReq     []byte
}

func (h *BaseHandler) processUnary(c *gin.Context, pipeline translator.Pipeline, client backend.Client, breaker *resilience.CircuitBreaker, retryOpts resilience.RetryOptions, st processState) {
	start := time.Now()
	neutral, err := resilience.Execute(c.Request.Context(), breaker, retryOpts, func(ctx context.Context) ([]byte, error) {
		return client.CreateResponse(ctx, st.neutralReq)
	})
	if err != nil {
		failure := apierror.AsFailure(err)
		h.store.UpdateMetrics(st.conversationID, conversation.Delta{Errored: true})
		metrics.BackendErrors.Add(1)
		if st.cfg.GracefulDegradation && degrade.Eligible(failure) {
			neutral = degrade.Response(st.requestedModel, st.correlationID, failure)
			c.Data(http.StatusOK, "application/json", pipeline.Response(neutral, st.requestedModel))
			return
		}
		h.WriteError(c, st.dialect, failure)
		return
	}

	h.track(st.conversationID, neutral, time.Since(start))
	c.Data(http.StatusOK, "application/json", pipeline.Response(neutral, st.requestedModel))
}

func (h *BaseHandler) processStream(c *gin.Context, pipeline translator.Pipeline, client backend.Client, breaker *resilience.CircuitBreaker, retryOpts resilience.RetryOptions, st processState) {
	render := pipeline.NewStream(st.requestedModel)
	start := time.Now()

	if !client.SupportsStreaming() {
		// Providers without a native stream answer unarily; the engine
		// fragments the result into an equivalent stream.
		neutral, err := resilience.Execute(c.Request.Context(), breaker, retryOpts, func(ctx context.Context) ([]byte, error) {
			return client.CreateResponse(ctx, st.neutralReq)
		})
		if err != nil {
			failure := apierror.AsFailure(err)
			h.store.UpdateMetrics(st.conversationID, conversation.Delta{Errored: true})
			metrics.BackendErrors.Add(1)
			if st.cfg.GracefulDegradation && degrade.Eligible(failure) {
				neutral = degrade.Response(st.requestedModel, st.correlationID, failure)
			} else {
				h.WriteError(c, st.dialect, failure)
				return
			}
		}
		final, _, errStream := h.engine.Simulated(c.Request.Context(), c.Writer, st.dialect, st.correlationID, render, neutral)
		if errStream != nil {
			log.Debugf("simulated stream aborted: %v", errStream)
			return
		}
		h.track(st.conversationID, final, time.Since(start))
		return
	}

	if err := breaker.Allow(); err != nil {
		metrics.CircuitShortCircuits.Add(1)
		h.WriteError(c, st.dialect, apierror.AsFailure(err))
		return
	}
	chunks, errs := client.CreateResponseStream(c.Request.Context(), st.neutralReq)
	final, started, err := h.engine.Passthrough(c.Request.Context(), c.Writer, st.dialect, st.correlationID, render, chunks, errs)
	if err != nil {
		failure := apierror.AsFailure(err)
		breaker.RecordFailure(failure)
		h.store.UpdateMetrics(st.conversationID, conversation.Delta{Errored: true})
		metrics.BackendErrors.Add(1)
		if !started {
			h.WriteError(c, st.dialect, failure)
		}
		return
	}
	breaker.RecordSuccess()
	h.track(st.conversationID, final, time.Since(start))
}

// track records a completed exchange against its conversation. Degraded
// placeholders carry fabricated ids and never enter the history; chaining one
// as previous_response_id would poison the next backend call.
func (h *BaseHandler) track(conversationID string, neutral []byte, elapsed time.Duration) {
	if len(neutral) == 0 || gjson.GetBytes(neutral, "degraded").Bool() {
		return
	}
	h.store.Track(conversationID, gjson.GetBytes(neutral, "id").String(), conversation.Delta{
		TotalTokens:     gjson.GetBytes(neutral, "usage.total_tokens").Int(),
		ReasoningTokens: gjson.GetBytes(neutral, "usage.reasoning_tokens").Int(),
		ResponseTimeMs:  float64(elapsed.Milliseconds()),
	})
}

// resolveEffort combines the conversation-derived signal score with an
// explicit caller hint; the stronger of the two wins.
func (h *BaseHandler) resolveEffort(format detect.Format, raw []byte, conversationID string) reasoning.Effort {
	signals := reasoning.Signals{
		Content:  contentForAnalysis(format, raw),
		HasTools: gjson.GetBytes(raw, "tools.#").Int() > 0,
	}
	if m, ok := h.store.GetMetrics(conversationID); ok && m.MessageCount > 0 {
		signals.MessageCount = m.MessageCount
		signals.AvgTokensPerMessage = float64(m.TotalTokens) / float64(m.MessageCount)
		signals.ErrorRate = float64(m.ErrorCount) / float64(m.MessageCount)
		signals.AvgResponseTimeMs = m.AvgResponseTimeMs
		if m.TotalTokens > 0 {
			signals.ReasoningTokenRatio = float64(m.ReasoningTokens) / float64(m.TotalTokens)
		}
	}
	effort := reasoning.Analyze(signals)

	if hint := callerEffortHint(format, raw); hint != "" {
		effort = reasoning.Max(effort, hint)
	}
	return effort
}

// callerEffortHint extracts an explicit effort request from the body.
func callerEffortHint(format detect.Format, raw []byte) reasoning.Effort {
	switch format {
	case detect.FormatOpenAI:
		if v := gjson.GetBytes(raw, "reasoning_effort").String(); reasoning.Valid(v) {
			return reasoning.Effort(v)
		}
		if v := gjson.GetBytes(raw, "reasoning.effort").String(); reasoning.Valid(v) {
			return reasoning.Effort(v)
		}
	case detect.FormatClaude:
		if gjson.GetBytes(raw, "thinking.type").String() == "enabled" {
			return reasoning.EffortHigh
		}
	}
	return ""
}

// contentForAnalysis folds the request's user-visible text for the analyzer.
func contentForAnalysis(format detect.Format, raw []byte) string {
	var b strings.Builder
	gjson.GetBytes(raw, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if content.Type == gjson.String {
			b.WriteString(content.String())
			b.WriteString("\n")
			return true
		}
		content.ForEach(func(_, part gjson.Result) bool {
			if t := part.Get("text"); t.Exists() {
				b.WriteString(t.String())
				b.WriteString("\n")
			}
			return true
		})
		return true
	})
	if format == detect.FormatClaude {
		if sys := gjson.GetBytes(raw, "system"); sys.Type == gjson.String {
			b.WriteString(sys.String())
		}
	}
	return b.String()
}

// WriteError renders a failure as the dialect's error envelope. The envelope
// passes the message through redaction before it leaves the process.
func (h *BaseHandler) WriteError(c *gin.Context, dialect string, f *apierror.Failure) {
	correlationID := c.GetString(middleware.ContextKeyCorrelationID)
	log.WithFields(log.Fields{
		"correlation_id": correlationID,
		"kind":           f.Kind.String(),
	}).Warnf("request failed: %s", f.Message)
	c.Data(f.Kind.HTTPStatus(), "application/json", apierror.Envelope(dialect, f, correlationID))
}

func retryBudget(client backend.Client) int {
	if b, ok := client.(interface{ MaxRetries() int }); ok {
		return b.MaxRetries()
	}
	return 2
}

// retryTimeout bounds the whole retry loop by the backend's per-attempt
// timeout, so backoff never multiplies the caller's wait.
func retryTimeout(client backend.Client) time.Duration {
	if t, ok := client.(interface{ Timeout() time.Duration }); ok {
		return t.Timeout()
	}
	return 0
}

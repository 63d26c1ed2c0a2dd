package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sashabaranov/go-openai"

	"github.com/llamagate/gateway/internal/audit"
	"github.com/llamagate/gateway/internal/dispatcher"
	"github.com/llamagate/gateway/internal/gwerr"
	"github.com/llamagate/gateway/internal/ipc"
	"github.com/llamagate/gateway/internal/worker"
)

type gatewayLease = dispatcher.Lease[*worker.Handle]

// renderChatPrompt linearizes a chat message list into the single prompt
// string the backend's Tokenize expects. Rendering an actual per-model chat
// template (Jinja-style, e.g. ChatML or Llama's [INST] markers) is an
// external-collaborator concern the backend adapter would own, not this
// gateway (§1 Non-goals: no tokenizer implementation); this is the minimal
// role-prefixed transcript every llama.cpp-style server also falls back to
// when no template is configured.
func renderChatPrompt(messages []openai.ChatCompletionMessage) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("assistant: ")
	return b.String()
}

func (g *Gateway) handleChatCompletions(c *gin.Context) {
	ctx, span := g.tracer.Start(c.Request.Context(), "handleChatCompletions")
	defer span.End()

	var req chatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{errorBody{err.Error(), "invalid_request_error"}})
		return
	}
	if err := g.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{errorBody{err.Error(), "invalid_request_error"}})
		return
	}

	d, ok := g.registry.Resolve(req.Model)
	if !ok {
		writeError(c, gwerr.ErrUnknownModel)
		return
	}
	// Per-request logprobs gate fails before any worker is acquired
	// (SUPPLEMENTED FEATURES #3).
	if req.Logprobs && !d.Params.SupportsLogprobs {
		writeError(c, gwerr.ErrUnsupportedFeature)
		return
	}

	requestID := newRequestID()
	started := time.Now()

	lease, release, err := g.acquire(ctx, d.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	defer release()

	if err := g.ensureModelLoaded(ctx, lease.Handle, requestID, d); err != nil {
		writeError(c, err)
		return
	}

	prompt := renderChatPrompt(req.Messages)
	genReq := &ipc.GeneratePayload{
		ModelID:     d.ID,
		Prompt:      prompt,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
		Logprobs:    req.Logprobs,
	}

	if req.Stream {
		g.streamChatCompletion(c, lease, requestID, genReq, d.ID, started)
		return
	}
	g.completeChatCompletion(c, lease, requestID, genReq, d.ID, started)
}

func (g *Gateway) completeChatCompletion(c *gin.Context, lease *gatewayLease, requestID string, genReq *ipc.GeneratePayload, modelID string, started time.Time) {
	var sb strings.Builder
	done, err := g.runGenerate(c.Request.Context(), lease.Handle, requestID, genReq, func(chunk string) {
		sb.WriteString(chunk)
	})
	g.logAndRecord(c, requestID, modelID, genReq.Prompt, sb.String(), done, err, started)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := chatCompletionResponse{
		ID:      "chatcmpl-" + requestID,
		Object:  "chat.completion",
		Created: started.Unix(),
		Model:   modelID,
		Choices: []chatCompletionChoice{{
			Index:        0,
			Message:      openai.ChatCompletionMessage{Role: "assistant", Content: sb.String()},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{CompletionTokens: done.GeneratedTokens, TotalTokens: done.GeneratedTokens},
	}
	c.JSON(http.StatusOK, resp)
}

func (g *Gateway) streamChatCompletion(c *gin.Context, lease *gatewayLease, requestID string, genReq *ipc.GeneratePayload, modelID string, started time.Time) {
	sw, err := newSSEWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{errorBody{err.Error(), "server_error"}})
		return
	}

	id := "chatcmpl-" + requestID
	first := true
	var sb strings.Builder
	done, genErr := g.runGenerate(c.Request.Context(), lease.Handle, requestID, genReq, func(chunk string) {
		sb.WriteString(chunk)
		delta := chatCompletionStreamDelta{Content: chunk}
		if first {
			delta.Role = "assistant"
			first = false
		}
		sw.writeJSON(chatCompletionStreamResponse{
			ID: id, Object: "chat.completion.chunk", Created: started.Unix(), Model: modelID,
			Choices: []chatCompletionStreamChoice{{Index: 0, Delta: delta}},
		})
	})
	g.logAndRecord(c, requestID, modelID, genReq.Prompt, sb.String(), done, genErr, started)

	// A disconnected client (ErrClientCancelled) has no reader left; the
	// [DONE] write below is a harmless no-op against a closed connection.
	if genErr == nil {
		finish := openai.FinishReasonStop
		sw.writeJSON(chatCompletionStreamResponse{
			ID: id, Object: "chat.completion.chunk", Created: started.Unix(), Model: modelID,
			Choices: []chatCompletionStreamChoice{{Index: 0, Delta: chatCompletionStreamDelta{}, FinishReason: &finish}},
		})
	}
	sw.writeDone()
}

func (g *Gateway) logAndRecord(c *gin.Context, requestID, modelID, prompt, response string, done *ipc.DonePayload, err error, started time.Time) {
	state := "done"
	generatedTokens := 0
	errMsg := ""
	if done != nil {
		state = done.State
		generatedTokens = done.GeneratedTokens
	}
	outcome := "ok"
	if err != nil {
		errMsg = err.Error()
		outcome = "error"
	}
	elapsed := time.Since(started)
	g.metrics.requestsTotal.WithLabelValues(c.FullPath(), outcome).Inc()
	g.metrics.requestDuration.WithLabelValues(c.FullPath()).Observe(elapsed.Seconds())

	g.logger.Info("request completed",
		"request_id", requestID, "model", modelID, "state", state,
		"generated_tokens", generatedTokens, "duration_ms", elapsed.Milliseconds(),
	)
	if g.auditSink != nil {
		g.auditSink.Log(context.WithoutCancel(c.Request.Context()), audit.Record{
			RequestID: requestID, Model: modelID, Prompt: prompt, Response: response,
			GeneratedTokens: generatedTokens, Duration: time.Since(started), State: state, Error: errMsg,
		})
	}
}

package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sashabaranov/go-openai"

	"github.com/llamagate/gateway/internal/gwerr"
	"github.com/llamagate/gateway/internal/ipc"
)

// handleCompletions serves the legacy (non-chat) /v1/completions shape, and
// is also bound to the double-v1 Copilot-compatible path (SUPPLEMENTED
// FEATURES #2) since both send a bare prompt string rather than a message
// list.
func (g *Gateway) handleCompletions(c *gin.Context) {
	ctx, span := g.tracer.Start(c.Request.Context(), "handleCompletions")
	defer span.End()

	var req completionRequest
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

	genReq := &ipc.GeneratePayload{
		ModelID:     d.ID,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
		Logprobs:    req.Logprobs,
	}

	if req.Stream {
		g.streamCompletion(c, lease, requestID, genReq, d.ID, started)
		return
	}
	g.completeCompletion(c, lease, requestID, genReq, d.ID, started)
}

func (g *Gateway) completeCompletion(c *gin.Context, lease *gatewayLease, requestID string, genReq *ipc.GeneratePayload, modelID string, started time.Time) {
	var sb strings.Builder
	done, err := g.runGenerate(c.Request.Context(), lease.Handle, requestID, genReq, func(chunk string) {
		sb.WriteString(chunk)
	})
	g.logAndRecord(c, requestID, modelID, genReq.Prompt, sb.String(), done, err, started)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := completionResponse{
		ID:      "cmpl-" + requestID,
		Object:  "text_completion",
		Created: started.Unix(),
		Model:   modelID,
		Choices: []completionChoice{{
			Text:         sb.String(),
			Index:        0,
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{CompletionTokens: done.GeneratedTokens, TotalTokens: done.GeneratedTokens},
	}
	c.JSON(http.StatusOK, resp)
}

func (g *Gateway) streamCompletion(c *gin.Context, lease *gatewayLease, requestID string, genReq *ipc.GeneratePayload, modelID string, started time.Time) {
	sw, err := newSSEWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{errorBody{err.Error(), "server_error"}})
		return
	}

	id := "cmpl-" + requestID
	var sb strings.Builder
	done, genErr := g.runGenerate(c.Request.Context(), lease.Handle, requestID, genReq, func(chunk string) {
		sb.WriteString(chunk)
		sw.writeJSON(completionStreamResponse{
			ID: id, Object: "text_completion", Created: started.Unix(), Model: modelID,
			Choices: []completionStreamChoice{{Text: chunk, Index: 0}},
		})
	})
	g.logAndRecord(c, requestID, modelID, genReq.Prompt, sb.String(), done, genErr, started)

	if genErr == nil {
		finish := openai.FinishReasonStop
		sw.writeJSON(completionStreamResponse{
			ID: id, Object: "text_completion", Created: started.Unix(), Model: modelID,
			Choices: []completionStreamChoice{{Text: "", Index: 0, FinishReason: &finish}},
		})
	}
	sw.writeDone()
}

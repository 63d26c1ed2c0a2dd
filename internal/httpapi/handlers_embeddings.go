package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sashabaranov/go-openai"

	"github.com/llamagate/gateway/internal/gwerr"
	"github.com/llamagate/gateway/internal/ipc"
)

// handleEmbeddings serves /v1/embeddings. The NoEmbed gate runs before any
// worker is acquired: an operator running the gateway with embeddings
// disabled should never see a worker's semaphore touched by a request that
// is going to be rejected anyway (§8).
func (g *Gateway) handleEmbeddings(c *gin.Context) {
	if g.cfg.NoEmbed {
		writeError(c, gwerr.ErrEmbeddingsDisabled)
		return
	}

	ctx, span := g.tracer.Start(c.Request.Context(), "handleEmbeddings")
	defer span.End()

	var req embeddingRequest
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
	if !d.Params.EmbeddingEnabled {
		writeError(c, gwerr.ErrEmbeddingsDisabled)
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

	done, err := g.runEmbed(ctx, lease.Handle, requestID, &ipc.EmbedPayload{ModelID: d.ID, Text: req.Input})
	g.logAndRecord(c, requestID, d.ID, req.Input, "", done, err, started)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, embeddingResponse{
		Object: "list",
		Data: []embeddingData{{
			Object:    "embedding",
			Embedding: done.Embedding,
			Index:     0,
		}},
		Model: d.ID,
		Usage: openai.Usage{PromptTokens: done.GeneratedTokens, TotalTokens: done.GeneratedTokens},
	})
}

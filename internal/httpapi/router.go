package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Router builds the gin engine exposing every route in §6, wired to g.
func (g *Gateway) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("llamagate-gateway"))

	router.GET("/healthz", g.handleHealthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/v1/models", g.handleListModels)

	router.POST("/v1/chat/completions", g.handleChatCompletions)
	router.POST("/v1/completions", g.handleCompletions)
	// Legacy double-v1 Copilot-compatible path (SUPPLEMENTED FEATURES #2):
	// bound to the exact same handler as /v1/completions.
	router.POST("/v1/v1/engines/copilot-codex/completions", g.handleCompletions)
	router.POST("/v1/embeddings", g.handleEmbeddings)

	return router
}

func (g *Gateway) handleHealthz(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

func (g *Gateway) handleListModels(c *gin.Context) {
	names := g.registry.Names()
	data := make([]modelInfo, 0, len(names))
	for _, name := range names {
		data = append(data, modelInfo{ID: name, Object: "model", OwnedBy: "local"})
	}
	c.JSON(200, modelsResponse{Object: "list", Data: data})
}

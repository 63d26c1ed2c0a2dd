package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/llamagate/gateway/internal/gwerr"
)

// writeError maps a gwerr sentinel to its §7 status code. A disconnected
// client (ErrClientCancelled) gets no response body at all — there is no
// one left to read it, and attempting to write risks a broken-pipe panic
// in the gin response writer.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, gwerr.ErrClientCancelled):
		return
	case errors.Is(err, gwerr.ErrUnknownModel):
		c.JSON(http.StatusBadRequest, errorResponse{errorBody{err.Error(), "invalid_request_error"}})
	case errors.Is(err, gwerr.ErrUnsupportedFeature):
		c.JSON(http.StatusBadRequest, errorResponse{errorBody{err.Error(), "invalid_request_error"}})
	case errors.Is(err, gwerr.ErrEmbeddingsDisabled):
		c.JSON(http.StatusForbidden, errorResponse{errorBody{err.Error(), "permission_error"}})
	case errors.Is(err, gwerr.ErrNoAvailableWorker):
		c.JSON(http.StatusServiceUnavailable, errorResponse{errorBody{err.Error(), "server_error"}})
	case errors.Is(err, gwerr.ErrModelLoadTimeout):
		c.JSON(http.StatusGatewayTimeout, errorResponse{errorBody{err.Error(), "server_error"}})
	default:
		c.JSON(http.StatusInternalServerError, errorResponse{errorBody{err.Error(), "server_error"}})
	}
}

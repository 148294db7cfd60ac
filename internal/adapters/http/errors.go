package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func statusOf(k domain.Kind) int {
	switch k {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindInvalidState:
		return http.StatusConflict
	case domain.KindResourceExhausted:
		return http.StatusTooManyRequests
	case domain.KindUpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// handleError writes err with the status of its kind. Unclassified errors are
// logged and their text is not exposed.
func handleError(c *gin.Context, err error) {
	kind := domain.KindOf(err)
	msg := err.Error()
	var de *domain.Error
	if errors.As(err, &de) {
		msg = de.Msg
	}
	if kind == domain.KindUnknown {
		log.Error().Err(err).Str("module", "adapters.http").Str("route", c.FullPath()).Msg("internal error")
		msg = "internal error"
	}
	c.AbortWithStatusJSON(statusOf(kind), gin.H{"error": errorBody{Code: kind.String(), Message: msg}})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorBody{Code: "invalid_request", Message: msg}})
}

package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dkeye/Teleroom/internal/core"
	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/dkeye/Teleroom/internal/metrics"
	"github.com/gin-gonic/gin"
)

const claimsKey = "claims"

type TokenVerifier interface {
	VerifyBearer(header string) (core.TokenClaims, error)
}

// AuthMiddleware resolves the caller from the bearer token.
func AuthMiddleware(tokens TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := tokens.VerifyBearer(c.GetHeader("Authorization"))
		if err != nil {
			handleError(c, err)
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// MediaScope rejects waiting-room tokens and tokens bound to another session.
func MediaScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := claimsOf(c)
		if claims.Scope == core.ScopeWaiting {
			handleError(c, domain.E(domain.KindForbidden, "waiting room token"))
			return
		}
		if sid := c.Param("id"); sid != "" && claims.SessionID != "" && string(claims.SessionID) != sid {
			handleError(c, domain.E(domain.KindForbidden, "token is bound to another session"))
			return
		}
		c.Next()
	}
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

func claimsOf(c *gin.Context) core.TokenClaims {
	v, _ := c.Get(claimsKey)
	claims, _ := v.(core.TokenClaims)
	return claims
}

func caller(c *gin.Context) domain.UserID {
	return claimsOf(c).UserID
}

func queryInt(c *gin.Context, key string) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		badRequest(c, key+" must be an integer")
		return 0, false
	}
	return n, true
}

func queryTime(c *gin.Context, key string) (*time.Time, bool) {
	raw := c.Query(key)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		badRequest(c, key+" must be an RFC3339 timestamp")
		return nil, false
	}
	return &t, true
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

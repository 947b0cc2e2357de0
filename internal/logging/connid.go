package logging

import (
	"context"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// connIDKey is the context key for storing/retrieving bridge connection IDs.
type connIDKey struct{}

// ginConnIDKey is the Gin context key for connection IDs.
const ginConnIDKey = "__conn_id__"

// WithConnID returns a new context with the connection ID attached.
func WithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connIDKey{}, connID)
}

// GetConnID retrieves the connection ID from the context.
// Returns empty string if not found.
func GetConnID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(connIDKey{}).(string); ok {
		return id
	}
	return ""
}

// Entry returns a logrus entry tagged with the connection ID carried by ctx.
func Entry(ctx context.Context) *log.Entry {
	return log.WithField("conn_id", GetConnID(ctx))
}

// SetGinConnID stores the connection ID in the Gin context.
func SetGinConnID(c *gin.Context, connID string) {
	if c != nil {
		c.Set(ginConnIDKey, connID)
	}
}

// GetGinConnID retrieves the connection ID from the Gin context.
func GetGinConnID(c *gin.Context) string {
	if c == nil {
		return ""
	}
	if id, exists := c.Get(ginConnIDKey); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

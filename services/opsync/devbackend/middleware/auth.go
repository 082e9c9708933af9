// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware authenticates development backend requests.
//
// Two layers are applied, in order:
//
//	Request
//	   │
//	   ▼
//	APIKeyMiddleware ──► 403 when X-API-Key is missing or unknown
//	   │
//	   ▼
//	AuthMiddleware ────► 401 when the bearer token is missing or unknown
//	   │
//	   └─► Store AuthInfo in context
//	           │
//	           ▼
//	       Handler (retrieves via GetAuthInfo)
//
// A 401 means "your session is gone" to clients, so an API key problem is
// reported as 403 and never as 401.
package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/opsync/pkg/extensions"
	"github.com/AleutianAI/opsync/pkg/telemetry"
)

// HeaderAPIKey carries the client API key.
const HeaderAPIKey = "X-API-Key"

const authInfoKey = "opsync_auth_info"

// =============================================================================
// Context Helpers
// =============================================================================

// SetAuthInfo stores the authenticated user info in the Gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves the authenticated user info from the Gin context.
//
// # Outputs
//
//   - *extensions.AuthInfo: User info, or nil if the request did not pass
//     through AuthMiddleware.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// =============================================================================
// Middleware
// =============================================================================

// APIKeyMiddleware rejects requests whose X-API-Key is not one of keys.
//
// # Inputs
//
//   - keys: Accepted API keys. Must not be empty.
//   - m: Metrics for rejected requests. May be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Aborts with 403 {"error": "invalid api key"}.
func APIKeyMiddleware(keys []string, m *telemetry.ServerMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !keyAccepted(c.GetHeader(HeaderAPIKey), keys) {
			recordFailure(c, m, "api_key")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

// AuthMiddleware validates the bearer token with provider and stores the
// resulting AuthInfo for downstream handlers.
//
// # Inputs
//
//   - provider: AuthProvider to validate tokens. Must not be nil.
//   - m: Metrics for rejected requests. May be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Aborts with 401 when validation fails.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func AuthMiddleware(provider extensions.AuthProvider, m *telemetry.ServerMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		authInfo, err := provider.Validate(c.Request.Context(), ExtractBearerToken(c))
		if err != nil {
			recordFailure(c, m, "token")
			if errors.Is(err, extensions.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// ExtractBearerToken returns the token of an "Authorization: Bearer <token>"
// header, or "" when the header is missing or malformed. The scheme is
// case-insensitive per RFC 7235.
func ExtractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

func keyAccepted(got string, keys []string) bool {
	if got == "" {
		return false
	}
	ok := false
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(got), []byte(k)) == 1 {
			ok = true
		}
	}
	return ok
}

func recordFailure(c *gin.Context, m *telemetry.ServerMetrics, reason string) {
	if m == nil {
		return
	}
	m.AuthFailuresTotal.Add(c.Request.Context(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

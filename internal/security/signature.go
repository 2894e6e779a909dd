package security

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// SignatureHeader carries the hex HMAC-SHA256 of a webhook body, optionally
// prefixed with "sha256=".
const SignatureHeader = "X-Holdfast-Signature"

// ContextKeyRawBody holds the verified request body for handlers.
const ContextKeyRawBody = "rawBody"

const maxWebhookBody = 1 << 20

// Sign computes the hex HMAC-SHA256 of payload.
func Sign(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks signature against payload in constant time. An
// empty secret never verifies.
func VerifySignature(secret string, payload []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	expected := Sign(secret, payload)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// RequireSignature rejects requests whose body does not match
// SignatureHeader. The body is restored for binding and also stored under
// ContextKeyRawBody.
func RequireSignature(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "internal_error",
				"message": "webhook secret not configured",
			})
			return
		}
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "unreadable body",
			})
			return
		}
		if !VerifySignature(secret, body, c.GetHeader(SignatureHeader)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "invalid webhook signature",
			})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Set(ContextKeyRawBody, body)
		c.Next()
	}
}

// Package idempotency replays stored responses for retried mutating
// requests that carry an Idempotency-Key header.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/holdfast/holdfast/internal/apperr"
	"github.com/holdfast/holdfast/internal/auth"
	"github.com/holdfast/holdfast/internal/logging"
	"github.com/holdfast/holdfast/internal/metrics"
)

// HeaderKey is the request header clients set on retried writes.
const HeaderKey = "Idempotency-Key"

// HeaderReplayed marks a response served from the store.
const HeaderReplayed = "Idempotent-Replayed"

const maxKeyLength = 255

var (
	ErrExists      = errors.New("idempotency: key already reserved")
	ErrNotFound    = errors.New("idempotency: key not found")
	ErrKeyMismatch = apperr.New(apperr.KindDuplicateRequest, "idempotency key reused with a different request")
	ErrInFlight    = apperr.New(apperr.KindDuplicateRequest, "a request with this idempotency key is still in progress")
	ErrKeyTooLong  = apperr.New(apperr.KindValidation, "idempotency key must be at most 255 characters")
)

// Record is a reserved key and, once completed, the response it produced.
type Record struct {
	Scope        string
	Key          string
	RequestHash  string
	StatusCode   int
	ResponseBody []byte
	Completed    bool
	CreatedAt    time.Time
}

// Store persists idempotency records.
type Store interface {
	// Reserve inserts an in-flight record or returns ErrExists.
	Reserve(ctx context.Context, rec *Record) error
	Get(ctx context.Context, scope, key string) (*Record, error)
	Complete(ctx context.Context, scope, key string, statusCode int, body []byte) error
	// Release drops a reservation so the client may retry.
	Release(ctx context.Context, scope, key string) error
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RequestHash fingerprints the method, route and body of a request.
func RequestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type captureWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Middleware makes mutating requests with an Idempotency-Key header safe to
// retry. Keys are scoped to the caller. Responses with a 5xx status are not
// stored so the client can retry them.
func Middleware(store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderKey)
		if key == "" || !mutating(c.Request.Method) {
			c.Next()
			return
		}
		if len(key) > maxKeyLength {
			apperr.Respond(c, ErrKeyTooLong)
			c.Abort()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			apperr.BadRequest(c, "unreadable request body")
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		ctx := c.Request.Context()
		scope := "anonymous"
		if actor, ok := auth.ActorFrom(c); ok {
			scope = actor.UserID
		}
		hash := RequestHash(c.Request.Method, c.Request.URL.Path, body)

		err = store.Reserve(ctx, &Record{
			Scope:       scope,
			Key:         key,
			RequestHash: hash,
			CreatedAt:   time.Now().UTC(),
		})
		if errors.Is(err, ErrExists) {
			replay(c, store, scope, key, hash)
			return
		}
		if err != nil {
			apperr.Respond(c, err)
			c.Abort()
			return
		}

		w := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		// Finish even if the client went away mid-request.
		finishCtx := context.WithoutCancel(ctx)
		status := w.Status()
		if status >= http.StatusInternalServerError {
			if err := store.Release(finishCtx, scope, key); err != nil {
				logging.L(ctx).Error("failed to release idempotency key", "key", key, "error", err)
			}
			return
		}
		if err := store.Complete(finishCtx, scope, key, status, w.body.Bytes()); err != nil {
			logging.L(ctx).Error("failed to store idempotent response", "key", key, "error", err)
		}
	}
}

func replay(c *gin.Context, store Store, scope, key, hash string) {
	defer c.Abort()
	rec, err := store.Get(c.Request.Context(), scope, key)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if rec.RequestHash != hash {
		apperr.Respond(c, ErrKeyMismatch)
		return
	}
	if !rec.Completed {
		apperr.Respond(c, ErrInFlight)
		return
	}
	metrics.IdempotentReplaysTotal.Inc()
	c.Header(HeaderReplayed, "true")
	c.Data(rec.StatusCode, "application/json; charset=utf-8", rec.ResponseBody)
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

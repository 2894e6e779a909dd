package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/holdfast/holdfast/internal/auth"
)

// Router returns a gin engine in test mode whose requests are authenticated
// from the X-User-ID and X-Roles headers instead of API keys.
func Router() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-User-ID"); id != "" {
			roles := []string{auth.RoleUser}
			if raw := c.GetHeader("X-Roles"); raw != "" {
				roles = strings.Split(raw, ",")
			}
			actor := auth.Actor{UserID: id, Roles: roles}
			c.Set(auth.ContextKeyActor, actor)
			c.Set(auth.ContextKeyUserID, id)
		}
		c.Next()
	})
	return r
}

// Do sends a JSON request as userID (empty for anonymous) and returns the
// recorder. roles are comma-separated.
func Do(t *testing.T, h http.Handler, method, path, userID, roles string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("testutil: encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if roles != "" {
		req.Header.Set("X-Roles", roles)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// Decode unmarshals a recorder body into v.
func Decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("testutil: decode %q: %v", w.Body.String(), err)
	}
}

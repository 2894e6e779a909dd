package idempotency

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holdfast/holdfast/internal/testutil"
)

func setupRouter(store Store, status int) (*gin.Engine, *atomic.Int32) {
	var calls atomic.Int32
	r := testutil.Router()
	r.Use(Middleware(store))
	r.POST("/v1/escrow", func(c *gin.Context) {
		n := calls.Add(1)
		c.JSON(status, gin.H{"call": n})
	})
	r.GET("/v1/escrow", func(c *gin.Context) {
		calls.Add(1)
		c.JSON(http.StatusOK, gin.H{})
	})
	return r, &calls
}

func send(r http.Handler, method, userID, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/v1/escrow", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if key != "" {
		req.Header.Set(HeaderKey, key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddlewareReplaysStoredResponse(t *testing.T) {
	r, calls := setupRouter(NewMemoryStore(), http.StatusCreated)

	w := send(r, http.MethodPost, "usr_a", "key-1", `{"amountCents":100}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"call":1}`, w.Body.String())
	assert.Empty(t, w.Header().Get(HeaderReplayed))

	w = send(r, http.MethodPost, "usr_a", "key-1", `{"amountCents":100}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"call":1}`, w.Body.String())
	assert.Equal(t, "true", w.Header().Get(HeaderReplayed))
	assert.Equal(t, int32(1), calls.Load())
}

func TestMiddlewareRejectsDifferentPayload(t *testing.T) {
	r, calls := setupRouter(NewMemoryStore(), http.StatusCreated)

	require.Equal(t, http.StatusCreated, send(r, http.MethodPost, "usr_a", "key-1", `{"amountCents":100}`).Code)

	w := send(r, http.MethodPost, "usr_a", "key-1", `{"amountCents":999}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMiddlewareScopesKeysPerCaller(t *testing.T) {
	r, calls := setupRouter(NewMemoryStore(), http.StatusCreated)

	require.Equal(t, http.StatusCreated, send(r, http.MethodPost, "usr_a", "shared", `{}`).Code)
	w := send(r, http.MethodPost, "usr_b", "shared", `{}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"call":2}`, w.Body.String())
	assert.Equal(t, int32(2), calls.Load())
}

func TestMiddlewareRejectsInFlightDuplicate(t *testing.T) {
	store := NewMemoryStore()
	r, calls := setupRouter(store, http.StatusCreated)

	body := `{"amountCents":100}`
	require.NoError(t, store.Reserve(context.Background(), &Record{
		Scope:       "usr_a",
		Key:         "key-1",
		RequestHash: RequestHash(http.MethodPost, "/v1/escrow", []byte(body)),
		CreatedAt:   time.Now(),
	}))

	w := send(r, http.MethodPost, "usr_a", "key-1", body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Zero(t, calls.Load())
}

func TestMiddlewareReleasesServerErrors(t *testing.T) {
	r, calls := setupRouter(NewMemoryStore(), http.StatusInternalServerError)

	assert.Equal(t, http.StatusInternalServerError, send(r, http.MethodPost, "usr_a", "key-1", `{}`).Code)
	assert.Equal(t, http.StatusInternalServerError, send(r, http.MethodPost, "usr_a", "key-1", `{}`).Code)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMiddlewareIgnoresReadsAndMissingKeys(t *testing.T) {
	r, calls := setupRouter(NewMemoryStore(), http.StatusCreated)

	send(r, http.MethodGet, "usr_a", "key-1", "")
	send(r, http.MethodGet, "usr_a", "key-1", "")
	send(r, http.MethodPost, "usr_a", "", `{}`)
	send(r, http.MethodPost, "usr_a", "", `{}`)
	assert.Equal(t, int32(4), calls.Load())

	long := string(bytes.Repeat([]byte("k"), maxKeyLength+1))
	assert.Equal(t, http.StatusBadRequest, send(r, http.MethodPost, "usr_a", long, `{}`).Code)
}

func TestStores(t *testing.T) {
	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": NewSQLStore(testutil.SQLite(t)),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := &Record{Scope: "usr_a", Key: "k", RequestHash: "h", CreatedAt: time.Now().UTC()}

			require.NoError(t, store.Reserve(ctx, rec))
			assert.ErrorIs(t, store.Reserve(ctx, rec), ErrExists)

			got, err := store.Get(ctx, "usr_a", "k")
			require.NoError(t, err)
			assert.False(t, got.Completed)
			assert.Equal(t, "h", got.RequestHash)

			require.NoError(t, store.Complete(ctx, "usr_a", "k", http.StatusCreated, []byte(`{"ok":true}`)))
			got, err = store.Get(ctx, "usr_a", "k")
			require.NoError(t, err)
			assert.True(t, got.Completed)
			assert.Equal(t, http.StatusCreated, got.StatusCode)
			assert.Equal(t, `{"ok":true}`, string(got.ResponseBody))

			require.NoError(t, store.Release(ctx, "usr_a", "k"))
			_, err = store.Get(ctx, "usr_a", "k")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, store.Complete(ctx, "usr_a", "k", http.StatusOK, nil), ErrNotFound)
		})
	}
}

func TestJanitorSweep(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.Reserve(ctx, &Record{Scope: "s", Key: "old", CreatedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, store.Reserve(ctx, &Record{Scope: "s", Key: "new", CreatedAt: now.Add(-time.Minute)}))

	j := NewJanitor(store, 24*time.Hour, 0, nil)
	n, err := j.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.Get(ctx, "s", "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "s", "new")
	assert.NoError(t, err)
}

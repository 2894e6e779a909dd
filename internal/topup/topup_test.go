package topup

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/holdfast/holdfast/internal/auth"
	"github.com/holdfast/holdfast/internal/ledger"
	"github.com/holdfast/holdfast/internal/syncutil"
	"github.com/holdfast/holdfast/internal/testutil"
	"github.com/holdfast/holdfast/internal/txn"
	"github.com/holdfast/holdfast/internal/users"
)

const stripeSecret = "whsec_stripe_test"

type recordingNotifier struct {
	events []string
}

func (n *recordingNotifier) Notify(eventType string, _ []string, _ interface{}) {
	n.events = append(n.events, eventType)
}

type fixture struct {
	ledger   *ledger.Ledger
	notifier *recordingNotifier
	router   *gin.Engine
	userID   string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	userStore := users.NewMemoryStore()
	keys := auth.NewManager(auth.NewMemoryStore(), users.RoleResolver{Store: userStore})
	u, _, err := users.NewService(userStore, keys, txn.MemoryRunner{}, 0.8).
		Register(ctx, users.RegisterRequest{Phone: "+233241234567"})
	require.NoError(t, err)

	l := ledger.New(ledger.NewMemoryStore(), txn.MemoryRunner{}, syncutil.NewLocker(), "platform")
	n := &recordingNotifier{}
	svc := NewService(l, userStore).WithNotifier(n)

	r := testutil.Router()
	NewHandler(svc, stripeSecret).RegisterWebhookRoutes(r.Group("/v1"))
	return &fixture{ledger: l, notifier: n, router: r, userID: u.ID}
}

func event(t *testing.T, id, eventType string, intent map[string]interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{
		"id":     id,
		"object": "event",
		"type":   eventType,
		"data":   map[string]interface{}{"object": intent},
	})
	require.NoError(t, err)
	return b
}

func intent(id, userID string, amount int64) map[string]interface{} {
	return map[string]interface{}{
		"id":              id,
		"object":          "payment_intent",
		"amount":          amount,
		"amount_received": amount,
		"currency":        "ghs",
		"status":          "succeeded",
		"metadata":        map[string]string{MetadataUserID: userID},
	}
}

func (f *fixture) post(payload []byte, secret string) *httptest.ResponseRecorder {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/topup", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) available(t *testing.T) int64 {
	t.Helper()
	w, err := f.ledger.OpenWallet(context.Background(), f.userID, "GHS")
	require.NoError(t, err)
	return w.AvailableCents
}

func TestTopUpCreditsWalletOnce(t *testing.T) {
	f := setup(t)
	payload := event(t, "evt_1", "payment_intent.succeeded", intent("pi_1", f.userID, 2_500))

	w := f.post(payload, stripeSecret)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res Result
	testutil.Decode(t, w, &res)
	assert.False(t, res.Duplicate)
	require.NotNil(t, res.Entry)
	assert.Equal(t, int64(2_500), res.Entry.AmountCents)
	assert.Equal(t, int64(2_500), f.available(t))

	// Stripe retries deliver a fresh event id for the same intent.
	w = f.post(event(t, "evt_2", "payment_intent.succeeded", intent("pi_1", f.userID, 2_500)), stripeSecret)
	require.Equal(t, http.StatusOK, w.Code)
	testutil.Decode(t, w, &res)
	assert.True(t, res.Duplicate)
	assert.Equal(t, int64(2_500), f.available(t))
	assert.Equal(t, []string{"wallet.topped_up"}, f.notifier.events)
}

func TestTopUpRejectsBadSignature(t *testing.T) {
	f := setup(t)
	payload := event(t, "evt_1", "payment_intent.succeeded", intent("pi_1", f.userID, 2_500))

	w := f.post(payload, "whsec_other")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, f.available(t))
}

func TestTopUpIgnoresOtherEvents(t *testing.T) {
	f := setup(t)
	w := f.post(event(t, "evt_1", "payment_intent.created", intent("pi_1", f.userID, 2_500)), stripeSecret)
	require.Equal(t, http.StatusOK, w.Code)
	var res Result
	testutil.Decode(t, w, &res)
	assert.True(t, res.Ignored)
	assert.Zero(t, f.available(t))
}

func TestTopUpValidatesIntent(t *testing.T) {
	f := setup(t)

	w := f.post(event(t, "evt_1", "payment_intent.succeeded", intent("pi_1", "", 2_500)), stripeSecret)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.post(event(t, "evt_2", "payment_intent.succeeded", intent("pi_2", f.userID, 0)), stripeSecret)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.post(event(t, "evt_3", "payment_intent.succeeded", intent("pi_3", "usr_unknown", 2_500)), stripeSecret)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookDisabledWithoutSecret(t *testing.T) {
	f := setup(t)
	r := testutil.Router()
	NewHandler(NewService(f.ledger, nil), "").RegisterWebhookRoutes(r.Group("/v1"))

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/topup", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

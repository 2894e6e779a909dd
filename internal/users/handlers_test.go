package users

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holdfast/holdfast/internal/security"
	"github.com/holdfast/holdfast/internal/testutil"
)

const kycSecret = "whsec_kyc"

func setupHandler(t *testing.T) (*harness, *gin.Engine) {
	t.Helper()
	h := newMemoryHarness(t)
	r := testutil.Router()
	handler := NewHandler(h.svc)
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	handler.RegisterProtectedRoutes(v1)
	handler.RegisterAdminRoutes(v1)
	handler.RegisterWebhookRoutes(v1, kycSecret)
	return h, r
}

type userResponse struct {
	User   User   `json:"user"`
	APIKey string `json:"apiKey"`
}

func postKYC(r http.Handler, body interface{}, secret string) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/kyc", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(security.SignatureHeader, security.Sign(secret, payload))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_RegisterAndVerify(t *testing.T) {
	h, r := setupHandler(t)

	w := testutil.Do(t, r, http.MethodPost, "/v1/users", "", "", map[string]string{"displayName": "Kofi"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = testutil.Do(t, r, http.MethodPost, "/v1/users", "", "", RegisterRequest{Phone: "+233241234567", DisplayName: "Kofi"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created userResponse
	testutil.Decode(t, w, &created)
	assert.NotEmpty(t, created.APIKey)
	assert.NotContains(t, w.Body.String(), "phoneCodeHash")
	id := created.User.ID

	w = testutil.Do(t, r, http.MethodPost, "/v1/users", "", "", RegisterRequest{Phone: "+233241234567"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = testutil.Do(t, r, http.MethodPost, "/v1/users/me/verify-phone", id, "", VerifyPhoneRequest{Code: "zzzzzz-wrong"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = testutil.Do(t, r, http.MethodPost, "/v1/users/me/verify-phone", id, "", VerifyPhoneRequest{Code: h.sender.code("+233241234567")})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = testutil.Do(t, r, http.MethodGet, "/v1/users/me", id, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var me userResponse
	testutil.Decode(t, w, &me)
	assert.True(t, me.User.PhoneVerified)
	assert.Equal(t, "Kofi", me.User.DisplayName)
}

func TestHandler_SetRoles(t *testing.T) {
	h, r := setupHandler(t)
	u, _, err := h.svc.Register(context.Background(), RegisterRequest{Phone: "+233241234567"})
	require.NoError(t, err)

	w := testutil.Do(t, r, http.MethodPut, "/v1/admin/users/"+u.ID+"/roles", u.ID, "", RolesRequest{Roles: []string{"admin"}})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = testutil.Do(t, r, http.MethodPut, "/v1/admin/users/"+u.ID+"/roles", "usr_admin", "admin", RolesRequest{Roles: []string{"owner"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = testutil.Do(t, r, http.MethodPut, "/v1/admin/users/usr_missing/roles", "usr_admin", "admin", RolesRequest{Roles: []string{"user"}})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = testutil.Do(t, r, http.MethodPut, "/v1/admin/users/"+u.ID+"/roles", "usr_admin", "admin", RolesRequest{Roles: []string{"user", "admin"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp userResponse
	testutil.Decode(t, w, &resp)
	assert.Equal(t, []string{"admin", "user"}, resp.User.Roles)
}

func TestHandler_KYCWebhook(t *testing.T) {
	h, r := setupHandler(t)
	u, _, err := h.svc.Register(context.Background(), RegisterRequest{Phone: "+233241234567"})
	require.NoError(t, err)

	ev := KYCEvent{Reference: "kyc_abc", UserID: u.ID, Passed: true, Score: 0.91}

	w := postKYC(r, ev, "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = postKYC(r, ev, kycSecret)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		UserID    string    `json:"userId"`
		KYCStatus KYCStatus `json:"kycStatus"`
		Applied   bool      `json:"applied"`
	}
	testutil.Decode(t, w, &resp)
	assert.Equal(t, u.ID, resp.UserID)
	assert.Equal(t, KYCVerified, resp.KYCStatus)
	assert.True(t, resp.Applied)

	w = postKYC(r, ev, kycSecret)
	require.Equal(t, http.StatusOK, w.Code)
	testutil.Decode(t, w, &resp)
	assert.False(t, resp.Applied)

	w = postKYC(r, map[string]interface{}{"reference": "kyc_x", "passed": true}, kycSecret)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postKYC(r, KYCEvent{Reference: "kyc_y", UserID: "usr_missing", Passed: true, Score: 0.9}, kycSecret)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

package dispute

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holdfast/holdfast/internal/testutil"
)

func TestHandler_DisputeLifecycle(t *testing.T) {
	h := newMemoryHarness(t, DefaultSLA())
	e := h.shippedEscrow(t)
	r := testutil.Router()
	NewHandler(h.svc).RegisterProtectedRoutes(r.Group("/v1"))

	w := testutil.Do(t, r, http.MethodPost, "/v1/disputes", buyer.UserID, "", map[string]string{"escrowId": e.ID})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = testutil.Do(t, r, http.MethodPost, "/v1/disputes", buyer.UserID, "", OpenRequest{EscrowID: e.ID, Reason: "Item not received"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Dispute Dispute `json:"dispute"`
	}
	testutil.Decode(t, w, &resp)
	id := resp.Dispute.ID
	assert.Equal(t, StatusOpen, resp.Dispute.Status)

	w = testutil.Do(t, r, http.MethodPut, "/v1/disputes/"+id+"/message", seller.UserID, "", MessageRequest{Content: "It was delivered"})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = testutil.Do(t, r, http.MethodPut, "/v1/disputes/"+id+"/escalate", buyer.UserID, "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = testutil.Do(t, r, http.MethodPut, "/v1/disputes/"+id+"/escalate", admin.UserID, "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	testutil.Decode(t, w, &resp)
	assert.Equal(t, StatusNegotiation, resp.Dispute.Status)

	w = testutil.Do(t, r, http.MethodPut, "/v1/disputes/"+id+"/resolve", buyer.UserID, "", ResolveRequest{Outcome: OutcomeRefundToBuyer})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = testutil.Do(t, r, http.MethodPut, "/v1/disputes/"+id+"/resolve", admin.UserID, "admin", ResolveRequest{Outcome: OutcomeRefundToBuyer})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	testutil.Decode(t, w, &resp)
	assert.Equal(t, StatusResolved, resp.Dispute.Status)

	w = testutil.Do(t, r, http.MethodPut, "/v1/disputes/"+id+"/close", admin.UserID, "admin", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = testutil.Do(t, r, http.MethodGet, "/v1/disputes/"+id, buyer.UserID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	testutil.Decode(t, w, &resp)
	assert.Len(t, resp.Dispute.Messages, 4)

	w = testutil.Do(t, r, http.MethodGet, "/v1/disputes", buyer.UserID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Disputes []Dispute `json:"disputes"`
		Count    int       `json:"count"`
	}
	testutil.Decode(t, w, &list)
	assert.Equal(t, 1, list.Count)
}

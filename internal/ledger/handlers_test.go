package ledger

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holdfast/holdfast/internal/pagination"
	"github.com/holdfast/holdfast/internal/syncutil"
	"github.com/holdfast/holdfast/internal/testutil"
	"github.com/holdfast/holdfast/internal/txn"
)

func setupHandler(t *testing.T) (*Ledger, http.Handler) {
	t.Helper()
	l := New(NewMemoryStore(), txn.MemoryRunner{}, syncutil.NewLocker(), "platform")
	h := NewHandler(l)
	r := testutil.Router()
	g := r.Group("/v1")
	h.RegisterProtectedRoutes(g)
	h.RegisterAdminRoutes(g)
	return l, r
}

func TestHandler_MyWalletsOpensOnDemand(t *testing.T) {
	_, r := setupHandler(t)

	w := testutil.Do(t, r, http.MethodGet, "/v1/wallet?currency=ghs", "usr_a", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Wallets []Wallet `json:"wallets"`
	}
	testutil.Decode(t, w, &resp)
	require.Len(t, resp.Wallets, 1)
	assert.Equal(t, "GHS", resp.Wallets[0].Currency)

	w = testutil.Do(t, r, http.MethodGet, "/v1/wallet", "usr_a", "", nil)
	testutil.Decode(t, w, &resp)
	assert.Len(t, resp.Wallets, 1)
}

func TestHandler_EntriesOwnerOnly(t *testing.T) {
	l, r := setupHandler(t)
	wal := funded(t, l, "usr_a", 500)

	w := testutil.Do(t, r, http.MethodGet, "/v1/wallet/entries?walletId="+wal.ID, "usr_b", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = testutil.Do(t, r, http.MethodGet, "/v1/wallet/entries?currency=GHS", "usr_a", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page pagination.Page[Entry]
	testutil.Decode(t, w, &page)
	require.Len(t, page.Items, 1)
	assert.Equal(t, KindCredit, page.Items[0].Kind)
	assert.False(t, page.HasMore)
}

func TestHandler_AdminAdjust(t *testing.T) {
	l, r := setupHandler(t)
	wal := funded(t, l, "usr_a", 0)

	w := testutil.Do(t, r, http.MethodPost, "/v1/wallet/admin/credit", "usr_a", "user", AdjustRequest{WalletID: wal.ID, AmountCents: 100, Description: "x"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = testutil.Do(t, r, http.MethodPost, "/v1/wallet/admin/credit", "usr_admin", "admin", map[string]interface{}{"walletId": wal.ID, "amountCents": 100})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = testutil.Do(t, r, http.MethodPost, "/v1/wallet/admin/credit", "usr_admin", "admin", AdjustRequest{WalletID: wal.ID, AmountCents: 300, Description: "refund of fee"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = testutil.Do(t, r, http.MethodPost, "/v1/wallet/admin/debit", "usr_admin", "admin", AdjustRequest{WalletID: wal.ID, AmountCents: 301, Description: "oops"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = testutil.Do(t, r, http.MethodGet, "/v1/admin/wallets/"+wal.ID+"/replay", "usr_admin", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Replay ReplayResult `json:"replay"`
	}
	testutil.Decode(t, w, &resp)
	assert.True(t, resp.Replay.Match)
	assert.Equal(t, int64(300), resp.Replay.ActualAvailable)

	got, err := l.Wallet(context.Background(), wal.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), got.AvailableCents)

	w = testutil.Do(t, r, http.MethodGet, "/v1/admin/wallets/"+wal.ID, "usr_admin", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var one struct {
		Wallet Wallet `json:"wallet"`
	}
	testutil.Decode(t, w, &one)
	assert.Equal(t, "usr_a", one.Wallet.OwnerID)

	w = testutil.Do(t, r, http.MethodGet, "/v1/admin/wallets/wal_missing", "usr_admin", "admin", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

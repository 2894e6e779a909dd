package users

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holdfast/holdfast/internal/apperr"
	"github.com/holdfast/holdfast/internal/auth"
	"github.com/holdfast/holdfast/internal/testutil"
	"github.com/holdfast/holdfast/internal/txn"
)

type codeRecorder struct {
	mu    sync.Mutex
	codes map[string]string
}

func (r *codeRecorder) SendCode(_ context.Context, phone, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.codes == nil {
		r.codes = make(map[string]string)
	}
	r.codes[phone] = code
	return nil
}

func (r *codeRecorder) code(phone string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.codes[phone]
}

type harness struct {
	name   string
	svc    *Service
	keys   *auth.Manager
	sender *codeRecorder
}

func newMemoryHarness(t *testing.T) *harness {
	t.Helper()
	store := NewMemoryStore()
	keys := auth.NewManager(auth.NewMemoryStore(), RoleResolver{Store: store})
	sender := &codeRecorder{}
	svc := NewService(store, keys, txn.MemoryRunner{}, 0.8).WithSender(sender)
	return &harness{name: "memory", svc: svc, keys: keys, sender: sender}
}

func newSQLiteHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.SQLite(t)
	store := NewSQLStore(db)
	keys := auth.NewManager(auth.NewSQLStore(db), RoleResolver{Store: store})
	sender := &codeRecorder{}
	svc := NewService(store, keys, db, 0.8).WithSender(sender)
	return &harness{name: "sqlite", svc: svc, keys: keys, sender: sender}
}

func harnesses(t *testing.T) []*harness {
	return []*harness{newMemoryHarness(t), newSQLiteHarness(t)}
}

func TestRegisterAndAuthenticate(t *testing.T) {
	for _, h := range harnesses(t) {
		t.Run(h.name, func(t *testing.T) {
			ctx := context.Background()

			_, _, err := h.svc.Register(ctx, RegisterRequest{Phone: "0241234567"})
			assert.ErrorIs(t, err, apperr.Validation)

			u, rawKey, err := h.svc.Register(ctx, RegisterRequest{Phone: "+233 24 123 4567", DisplayName: "  Ama  "})
			require.NoError(t, err)
			assert.Equal(t, "+233241234567", u.Phone)
			assert.Equal(t, "Ama", u.DisplayName)
			assert.Equal(t, KYCPending, u.KYCStatus)
			assert.False(t, u.PhoneVerified)
			assert.Len(t, h.sender.code(u.Phone), codeLength)

			actor, err := h.keys.Authenticate(ctx, rawKey)
			require.NoError(t, err)
			assert.Equal(t, u.ID, actor.UserID)
			assert.False(t, actor.IsAdmin())

			_, _, err = h.svc.Register(ctx, RegisterRequest{Phone: "+233241234567"})
			assert.ErrorIs(t, err, ErrPhoneTaken)
		})
	}
}

func TestVerifyPhone(t *testing.T) {
	for _, h := range harnesses(t) {
		t.Run(h.name, func(t *testing.T) {
			ctx := context.Background()
			u, _, err := h.svc.Register(ctx, RegisterRequest{Phone: "+233241234567"})
			require.NoError(t, err)
			actor := auth.Actor{UserID: u.ID, Roles: []string{auth.RoleUser}}

			_, err = h.svc.VerifyPhone(ctx, actor, "WRONG1")
			assert.ErrorIs(t, err, ErrInvalidCode)
			_, err = h.svc.VerifyPhone(ctx, actor, "000000")
			assert.ErrorIs(t, err, ErrInvalidCode)

			out, err := h.svc.VerifyPhone(ctx, actor, h.sender.code(u.Phone))
			require.NoError(t, err)
			assert.True(t, out.PhoneVerified)
			assert.Equal(t, KYCPending, out.KYCStatus)

			_, err = h.svc.VerifyPhone(ctx, actor, h.sender.code(u.Phone))
			assert.ErrorIs(t, err, ErrAlreadyVerified)
		})
	}
}

func TestSMSBypassNeverTouchesKYC(t *testing.T) {
	h := newMemoryHarness(t)
	h.svc.WithSMSBypass("000000")
	ctx := context.Background()
	u, _, err := h.svc.Register(ctx, RegisterRequest{Phone: "+233241234567"})
	require.NoError(t, err)

	out, err := h.svc.VerifyPhone(ctx, auth.Actor{UserID: u.ID}, "000000")
	require.NoError(t, err)
	assert.True(t, out.PhoneVerified)
	assert.Equal(t, KYCPending, out.KYCStatus)
	assert.ErrorIs(t, h.svc.RequireVerified(ctx, u.ID), ErrKYCRequired)
}

func TestApplyKYC(t *testing.T) {
	for _, h := range harnesses(t) {
		t.Run(h.name, func(t *testing.T) {
			ctx := context.Background()
			u, _, err := h.svc.Register(ctx, RegisterRequest{Phone: "+233241234567"})
			require.NoError(t, err)
			other, _, err := h.svc.Register(ctx, RegisterRequest{Phone: "+233209876543"})
			require.NoError(t, err)

			assert.ErrorIs(t, h.svc.RequireVerified(ctx, u.ID), apperr.Unauthorized)

			_, _, err = h.svc.ApplyKYC(ctx, KYCEvent{Reference: "kyc_0", UserID: u.ID, Passed: true, Score: 1.5})
			assert.ErrorIs(t, err, apperr.Validation)

			out, applied, err := h.svc.ApplyKYC(ctx, KYCEvent{Reference: "kyc_1", UserID: u.ID, Passed: true, Score: 0.6})
			require.NoError(t, err)
			assert.True(t, applied)
			assert.Equal(t, KYCRejected, out.KYCStatus)

			out, applied, err = h.svc.ApplyKYC(ctx, KYCEvent{Reference: "kyc_2", UserID: u.ID, Passed: true, Score: 0.93})
			require.NoError(t, err)
			assert.True(t, applied)
			assert.Equal(t, KYCVerified, out.KYCStatus)
			assert.NoError(t, h.svc.RequireVerified(ctx, u.ID))

			// Redelivery of an old reference changes nothing.
			out, applied, err = h.svc.ApplyKYC(ctx, KYCEvent{Reference: "kyc_1", UserID: u.ID, Passed: true, Score: 0.6})
			require.NoError(t, err)
			assert.False(t, applied)
			assert.Equal(t, KYCVerified, out.KYCStatus)

			_, _, err = h.svc.ApplyKYC(ctx, KYCEvent{Reference: "kyc_2", UserID: other.ID, Passed: true, Score: 0.99})
			assert.ErrorIs(t, err, apperr.DuplicateRequest)

			_, _, err = h.svc.ApplyKYC(ctx, KYCEvent{Reference: "kyc_3", UserID: "usr_missing", Passed: true, Score: 0.99})
			assert.ErrorIs(t, err, apperr.NotFound)
		})
	}
}

func TestRolesAndBootstrapAdmin(t *testing.T) {
	for _, h := range harnesses(t) {
		t.Run(h.name, func(t *testing.T) {
			ctx := context.Background()
			const adminKey = "hf_bootstrapadminkey"

			require.NoError(t, h.svc.BootstrapAdmin(ctx, adminKey))
			require.NoError(t, h.svc.BootstrapAdmin(ctx, adminKey))

			admin, err := h.keys.Authenticate(ctx, adminKey)
			require.NoError(t, err)
			assert.Equal(t, BootstrapAdminID, admin.UserID)
			assert.True(t, admin.IsAdmin())

			u, rawKey, err := h.svc.Register(ctx, RegisterRequest{Phone: "+233241234567"})
			require.NoError(t, err)
			userActor, err := h.keys.Authenticate(ctx, rawKey)
			require.NoError(t, err)

			_, err = h.svc.SetRoles(ctx, userActor, u.ID, []string{auth.RoleAdmin})
			assert.ErrorIs(t, err, apperr.Unauthorized)
			_, err = h.svc.SetRoles(ctx, admin, u.ID, []string{"root"})
			assert.ErrorIs(t, err, ErrInvalidRole)

			out, err := h.svc.SetRoles(ctx, admin, u.ID, []string{auth.RoleUser, auth.RoleAdmin, auth.RoleUser})
			require.NoError(t, err)
			assert.Equal(t, []string{auth.RoleAdmin, auth.RoleUser}, out.Roles)

			promoted, err := h.keys.Authenticate(ctx, rawKey)
			require.NoError(t, err)
			assert.True(t, promoted.IsAdmin())
		})
	}
}

// Package reconciliation cross-checks ledger totals against escrow and
// withdrawal state. It only reads; a mismatch is reported and alerted on,
// never corrected.
package reconciliation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/holdfast/holdfast/internal/auth"
	"github.com/holdfast/holdfast/internal/escrow"
	"github.com/holdfast/holdfast/internal/ledger"
)

// EscrowTotals aggregates escrows by currency and status.
type EscrowTotals interface {
	Totals(ctx context.Context) ([]escrow.StatusTotal, error)
}

// LedgerReader exposes the ledger aggregates reconciliation needs.
type LedgerReader interface {
	EscrowHeldByCurrency(ctx context.Context) (map[string]int64, error)
	SumBalances(ctx context.Context) ([]ledger.CurrencyBalance, error)
	ListWallets(ctx context.Context, afterID string, limit int) ([]*ledger.Wallet, error)
	Replay(ctx context.Context, walletID string) (*ledger.ReplayResult, error)
}

// PendingWithdrawals sums holds of unprocessed withdrawals by currency.
type PendingWithdrawals interface {
	PendingByCurrency(ctx context.Context) (map[string]int64, error)
}

// StatusLine is the escrow count and value in one status.
type StatusLine struct {
	Status      escrow.Status `json:"status"`
	Count       int64         `json:"count"`
	AmountCents int64         `json:"amountCents"`
}

// CurrencyReport summarises one currency.
type CurrencyReport struct {
	Currency           string       `json:"currency"`
	ByStatus           []StatusLine `json:"byStatus"`
	EscrowCount        int64        `json:"escrowCount"`
	EscrowValueCents   int64        `json:"escrowValueCents"`
	FeesCollectedCents int64        `json:"feesCollectedCents"`
	ReleasedCents      int64        `json:"releasedCents"`
	RefundedCents      int64        `json:"refundedCents"`
	PendingCents       int64        `json:"pendingCents"`
	WalletCount        int64        `json:"walletCount"`
	AvailableCents     int64        `json:"availableCents"`
	HeldCents          int64        `json:"heldCents"`
	WithdrawalsHeld    int64        `json:"withdrawalsHeldCents"`
}

// Report is the GET /admin/reconciliation body.
type Report struct {
	Currencies  []*CurrencyReport `json:"currencies"`
	GeneratedAt time.Time         `json:"generatedAt"`
}

// BalanceLine compares what the ledger holds for escrows with what active
// escrows still owe.
type BalanceLine struct {
	Currency          string `json:"currency"`
	EscrowHoldBalance int64  `json:"escrowHoldBalanceCents"`
	PendingEscrows    int64  `json:"pendingEscrowsCents"`
	Difference        int64  `json:"differenceCents"`
	Reconciled        bool   `json:"reconciled"`
	// UnattributedHeld is wallet held balance explained by neither escrow
	// nor withdrawal holds.
	UnattributedHeld int64 `json:"unattributedHeldCents"`
}

// BalanceReport is the GET /admin/reconciliation/balance body.
type BalanceReport struct {
	Currencies []BalanceLine `json:"currencies"`
	Reconciled bool          `json:"reconciled"`
	CheckedAt  time.Time     `json:"checkedAt"`
}

// Mismatched returns the currencies that did not reconcile.
func (b *BalanceReport) Mismatched() []BalanceLine {
	var out []BalanceLine
	for _, l := range b.Currencies {
		if !l.Reconciled || l.UnattributedHeld != 0 {
			out = append(out, l)
		}
	}
	return out
}

// WalletCheck is the outcome of replaying every wallet's log.
type WalletCheck struct {
	Checked int                    `json:"checked"`
	Drift   []*ledger.ReplayResult `json:"drift"`
}

// Service computes reconciliation reports.
type Service struct {
	escrows     EscrowTotals
	ledger      LedgerReader
	withdrawals PendingWithdrawals
	pageSize    int
}

// NewService creates a reconciliation service. withdrawals may be nil.
func NewService(escrows EscrowTotals, l LedgerReader, withdrawals PendingWithdrawals) *Service {
	return &Service{escrows: escrows, ledger: l, withdrawals: withdrawals, pageSize: 200}
}

func (s *Service) pendingWithdrawals(ctx context.Context) (map[string]int64, error) {
	if s.withdrawals == nil {
		return map[string]int64{}, nil
	}
	return s.withdrawals.PendingByCurrency(ctx)
}

// Report aggregates escrow value by status, fees, released and pending
// amounts, and wallet balances per currency. Admin only.
func (s *Service) Report(ctx context.Context, actor auth.Actor) (*Report, error) {
	if err := actor.RequireAdmin(); err != nil {
		return nil, err
	}

	totals, err := s.escrows.Totals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to total escrows: %w", err)
	}
	balances, err := s.ledger.SumBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sum wallet balances: %w", err)
	}
	withdrawals, err := s.pendingWithdrawals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sum pending withdrawals: %w", err)
	}

	byCur := make(map[string]*CurrencyReport)
	get := func(cur string) *CurrencyReport {
		r, ok := byCur[cur]
		if !ok {
			r = &CurrencyReport{Currency: cur, ByStatus: []StatusLine{}}
			byCur[cur] = r
		}
		return r
	}

	for _, t := range totals {
		r := get(t.Currency)
		r.ByStatus = append(r.ByStatus, StatusLine{Status: t.Status, Count: t.Count, AmountCents: t.AmountCents})
		r.EscrowCount += t.Count
		r.EscrowValueCents += t.AmountCents
		r.FeesCollectedCents += t.FeeCents
		r.ReleasedCents += t.ReleasedCents
		r.RefundedCents += t.RefundedCents
		if isActive(t.Status) {
			r.PendingCents += t.AmountCents - t.ReleasedCents - t.RefundedCents
		}
	}
	for _, b := range balances {
		r := get(b.Currency)
		r.WalletCount = b.Wallets
		r.AvailableCents = b.AvailableCents
		r.HeldCents = b.HeldCents
	}
	for cur, held := range withdrawals {
		get(cur).WithdrawalsHeld = held
	}

	out := &Report{GeneratedAt: time.Now().UTC()}
	for _, r := range byCur {
		sort.Slice(r.ByStatus, func(i, j int) bool { return r.ByStatus[i].Status < r.ByStatus[j].Status })
		out.Currencies = append(out.Currencies, r)
	}
	sort.Slice(out.Currencies, func(i, j int) bool { return out.Currencies[i].Currency < out.Currencies[j].Currency })
	if out.Currencies == nil {
		out.Currencies = []*CurrencyReport{}
	}
	return out, nil
}

// Balance compares, per currency, the net escrow holds recorded in the
// ledger with the remaining value of active escrows. Admin only.
func (s *Service) Balance(ctx context.Context, actor auth.Actor) (*BalanceReport, error) {
	if err := actor.RequireAdmin(); err != nil {
		return nil, err
	}

	held, err := s.ledger.EscrowHeldByCurrency(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sum escrow holds: %w", err)
	}
	totals, err := s.escrows.Totals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to total escrows: %w", err)
	}
	balances, err := s.ledger.SumBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sum wallet balances: %w", err)
	}
	withdrawals, err := s.pendingWithdrawals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sum pending withdrawals: %w", err)
	}

	pending := make(map[string]int64)
	currencies := make(map[string]struct{})
	for _, t := range totals {
		currencies[t.Currency] = struct{}{}
		if isActive(t.Status) {
			pending[t.Currency] += t.AmountCents - t.ReleasedCents - t.RefundedCents
		}
	}
	walletHeld := make(map[string]int64)
	for _, b := range balances {
		currencies[b.Currency] = struct{}{}
		walletHeld[b.Currency] = b.HeldCents
	}
	for cur := range held {
		currencies[cur] = struct{}{}
	}

	out := &BalanceReport{Reconciled: true, CheckedAt: time.Now().UTC(), Currencies: []BalanceLine{}}
	for cur := range currencies {
		line := BalanceLine{
			Currency:          cur,
			EscrowHoldBalance: held[cur],
			PendingEscrows:    pending[cur],
			Difference:        held[cur] - pending[cur],
			UnattributedHeld:  walletHeld[cur] - held[cur] - withdrawals[cur],
		}
		line.Reconciled = line.Difference == 0
		if !line.Reconciled || line.UnattributedHeld != 0 {
			out.Reconciled = false
		}
		out.Currencies = append(out.Currencies, line)
	}
	sort.Slice(out.Currencies, func(i, j int) bool { return out.Currencies[i].Currency < out.Currencies[j].Currency })
	return out, nil
}

// CheckWallets replays every wallet's entry log and returns those whose
// cached balance has drifted. Admin only.
func (s *Service) CheckWallets(ctx context.Context, actor auth.Actor) (*WalletCheck, error) {
	if err := actor.RequireAdmin(); err != nil {
		return nil, err
	}

	out := &WalletCheck{Drift: []*ledger.ReplayResult{}}
	after := ""
	for {
		page, err := s.ledger.ListWallets(ctx, after, s.pageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list wallets: %w", err)
		}
		for _, w := range page {
			res, err := s.ledger.Replay(ctx, w.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to replay wallet %s: %w", w.ID, err)
			}
			out.Checked++
			if !res.Match {
				out.Drift = append(out.Drift, res)
			}
		}
		if len(page) < s.pageSize {
			return out, nil
		}
		after = page[len(page)-1].ID
	}
}

func isActive(status escrow.Status) bool {
	for _, s := range escrow.ActiveStatuses {
		if s == status {
			return true
		}
	}
	return false
}

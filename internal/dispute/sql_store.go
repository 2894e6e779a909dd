package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/holdfast/holdfast/internal/dbx"
)

// SQLStore persists disputes in PostgreSQL or SQLite.
type SQLStore struct {
	db *dbx.DB
}

// NewSQLStore creates a SQL-backed dispute store.
func NewSQLStore(db *dbx.DB) *SQLStore {
	return &SQLStore{db: db}
}

const disputeColumns = `id, escrow_id, buyer_id, seller_id, opened_by, reason, status, outcome,
	buyer_refund_cents, resolution_notes, resolved_by, stage_deadline, resolved_at, closed_at,
	created_at, updated_at`

const activeFilter = `status IN ('OPEN', 'NEGOTIATION', 'MEDIATION', 'ARBITRATION')`

type disputeRow struct {
	ID               string       `db:"id"`
	EscrowID         string       `db:"escrow_id"`
	BuyerID          string       `db:"buyer_id"`
	SellerID         string       `db:"seller_id"`
	OpenedBy         string       `db:"opened_by"`
	Reason           string       `db:"reason"`
	Status           string       `db:"status"`
	Outcome          string       `db:"outcome"`
	BuyerRefundCents int64        `db:"buyer_refund_cents"`
	ResolutionNotes  string       `db:"resolution_notes"`
	ResolvedBy       string       `db:"resolved_by"`
	StageDeadline    sql.NullTime `db:"stage_deadline"`
	ResolvedAt       sql.NullTime `db:"resolved_at"`
	ClosedAt         sql.NullTime `db:"closed_at"`
	CreatedAt        time.Time    `db:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"`
}

func (r disputeRow) toDispute() *Dispute {
	return &Dispute{
		ID:               r.ID,
		EscrowID:         r.EscrowID,
		BuyerID:          r.BuyerID,
		SellerID:         r.SellerID,
		OpenedBy:         r.OpenedBy,
		Reason:           r.Reason,
		Status:           Status(r.Status),
		Outcome:          Outcome(r.Outcome),
		BuyerRefundCents: r.BuyerRefundCents,
		ResolutionNotes:  r.ResolutionNotes,
		ResolvedBy:       r.ResolvedBy,
		StageDeadline:    dbx.TimePtr(r.StageDeadline),
		ResolvedAt:       dbx.TimePtr(r.ResolvedAt),
		ClosedAt:         dbx.TimePtr(r.ClosedAt),
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
	}
}

func (s *SQLStore) Create(ctx context.Context, d *Dispute) error {
	_, err := s.db.Exec(ctx, `INSERT INTO disputes (`+disputeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.EscrowID, d.BuyerID, d.SellerID, d.OpenedBy, d.Reason, string(d.Status), string(d.Outcome),
		d.BuyerRefundCents, d.ResolutionNotes, d.ResolvedBy,
		dbx.NullTime(d.StageDeadline), dbx.NullTime(d.ResolvedAt), dbx.NullTime(d.ClosedAt),
		d.CreatedAt.UTC(), d.UpdatedAt.UTC())
	if dbx.IsUniqueViolation(err) {
		return ErrActiveDispute
	}
	if err != nil {
		return fmt.Errorf("create dispute: %w", err)
	}
	return nil
}

func (s *SQLStore) get(ctx context.Context, where string, args ...interface{}) (*Dispute, error) {
	var row disputeRow
	err := s.db.Get(ctx, &row, `SELECT `+disputeColumns+` FROM disputes WHERE `+where, args...)
	if errors.Is(err, dbx.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dispute: %w", err)
	}
	return row.toDispute(), nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.get(ctx, `id = ?`, id)
}

func (s *SQLStore) GetForUpdate(ctx context.Context, id string) (*Dispute, error) {
	return s.get(ctx, `id = ?`+s.db.ForUpdate(), id)
}

func (s *SQLStore) Update(ctx context.Context, d *Dispute) error {
	err := s.db.ExecOne(ctx, `UPDATE disputes SET
			status = ?, outcome = ?, buyer_refund_cents = ?, resolution_notes = ?, resolved_by = ?,
			stage_deadline = ?, resolved_at = ?, closed_at = ?, updated_at = ?
		WHERE id = ?`,
		string(d.Status), string(d.Outcome), d.BuyerRefundCents, d.ResolutionNotes, d.ResolvedBy,
		dbx.NullTime(d.StageDeadline), dbx.NullTime(d.ResolvedAt), dbx.NullTime(d.ClosedAt), d.UpdatedAt.UTC(),
		d.ID)
	if errors.Is(err, dbx.ErrNoRows) {
		return ErrDisputeNotFound
	}
	if err != nil {
		return fmt.Errorf("update dispute: %w", err)
	}
	return nil
}

func (s *SQLStore) GetActiveByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	return s.get(ctx, `escrow_id = ? AND `+activeFilter, escrowID)
}

func (s *SQLStore) selectDisputes(ctx context.Context, query string, args ...interface{}) ([]*Dispute, error) {
	var rows []disputeRow
	if err := s.db.Select(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list disputes: %w", err)
	}
	out := make([]*Dispute, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDispute())
	}
	return out, nil
}

func (s *SQLStore) ListByParty(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	return s.selectDisputes(ctx, `SELECT `+disputeColumns+` FROM disputes
		WHERE buyer_id = ? OR seller_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, userID, userID, limit)
}

func (s *SQLStore) ListActive(ctx context.Context, limit int) ([]*Dispute, error) {
	return s.selectDisputes(ctx, `SELECT `+disputeColumns+` FROM disputes
		WHERE `+activeFilter+`
		ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

func (s *SQLStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Dispute, error) {
	return s.selectDisputes(ctx, `SELECT `+disputeColumns+` FROM disputes
		WHERE status IN ('OPEN', 'NEGOTIATION', 'MEDIATION') AND stage_deadline IS NOT NULL AND stage_deadline <= ?
		ORDER BY stage_deadline LIMIT ?`, now.UTC(), limit)
}

type messageRow struct {
	ID        string    `db:"id"`
	DisputeID string    `db:"dispute_id"`
	SenderID  string    `db:"sender_id"`
	Content   string    `db:"content"`
	IsSystem  bool      `db:"is_system"`
	CreatedAt time.Time `db:"created_at"`
}

func (s *SQLStore) AddMessage(ctx context.Context, m *Message) error {
	_, err := s.db.Exec(ctx, `INSERT INTO dispute_messages (id, dispute_id, sender_id, content, is_system, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.DisputeID, m.SenderID, m.Content, m.IsSystem, m.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("add dispute message: %w", err)
	}
	return nil
}

func (s *SQLStore) ListMessages(ctx context.Context, disputeID string) ([]*Message, error) {
	var rows []messageRow
	err := s.db.Select(ctx, &rows, `SELECT id, dispute_id, sender_id, content, is_system, created_at
		FROM dispute_messages WHERE dispute_id = ? ORDER BY created_at, id`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("list dispute messages: %w", err)
	}
	out := make([]*Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, &Message{
			ID:        r.ID,
			DisputeID: r.DisputeID,
			SenderID:  r.SenderID,
			Content:   r.Content,
			IsSystem:  r.IsSystem,
			CreatedAt: r.CreatedAt.UTC(),
		})
	}
	return out, nil
}

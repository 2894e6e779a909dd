package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/holdfast/holdfast/internal/dbx"
	"github.com/holdfast/holdfast/internal/pagination"
)

// SQLStore persists escrows in PostgreSQL or SQLite.
type SQLStore struct {
	db *dbx.DB
}

// NewSQLStore creates a SQL-backed escrow store.
func NewSQLStore(db *dbx.DB) *SQLStore {
	return &SQLStore{db: db}
}

const escrowColumns = `id, buyer_id, seller_id, type, title, description, amount_cents, currency,
	fee_cents, buyer_fee_cents, seller_fee_cents, released_cents, refunded_cents, fixed_fee_charged,
	status, pre_dispute_status, delivery_details, funded_at, shipped_at, delivered_at, resolved_at,
	created_at, updated_at`

type escrowRow struct {
	ID               string         `db:"id"`
	BuyerID          string         `db:"buyer_id"`
	SellerID         string         `db:"seller_id"`
	Type             string         `db:"type"`
	Title            string         `db:"title"`
	Description      string         `db:"description"`
	AmountCents      int64          `db:"amount_cents"`
	Currency         string         `db:"currency"`
	FeeCents         int64          `db:"fee_cents"`
	BuyerFeeCents    int64          `db:"buyer_fee_cents"`
	SellerFeeCents   int64          `db:"seller_fee_cents"`
	ReleasedCents    int64          `db:"released_cents"`
	RefundedCents    int64          `db:"refunded_cents"`
	FixedFeeCharged  bool           `db:"fixed_fee_charged"`
	Status           string         `db:"status"`
	PreDisputeStatus string         `db:"pre_dispute_status"`
	DeliveryDetails  sql.NullString `db:"delivery_details"`
	FundedAt         sql.NullTime   `db:"funded_at"`
	ShippedAt        sql.NullTime   `db:"shipped_at"`
	DeliveredAt      sql.NullTime   `db:"delivered_at"`
	ResolvedAt       sql.NullTime   `db:"resolved_at"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (r escrowRow) toEscrow() (*Escrow, error) {
	e := &Escrow{
		ID:               r.ID,
		BuyerID:          r.BuyerID,
		SellerID:         r.SellerID,
		Type:             Type(r.Type),
		Title:            r.Title,
		Description:      r.Description,
		AmountCents:      r.AmountCents,
		Currency:         r.Currency,
		FeeCents:         r.FeeCents,
		BuyerFeeCents:    r.BuyerFeeCents,
		SellerFeeCents:   r.SellerFeeCents,
		ReleasedCents:    r.ReleasedCents,
		RefundedCents:    r.RefundedCents,
		FixedFeeCharged:  r.FixedFeeCharged,
		Status:           Status(r.Status),
		PreDisputeStatus: Status(r.PreDisputeStatus),
		FundedAt:         dbx.TimePtr(r.FundedAt),
		ShippedAt:        dbx.TimePtr(r.ShippedAt),
		DeliveredAt:      dbx.TimePtr(r.DeliveredAt),
		ResolvedAt:       dbx.TimePtr(r.ResolvedAt),
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
	}
	if r.DeliveryDetails.Valid && r.DeliveryDetails.String != "" {
		var d DeliveryDetails
		if err := json.Unmarshal([]byte(r.DeliveryDetails.String), &d); err != nil {
			return nil, fmt.Errorf("decode delivery details of %s: %w", r.ID, err)
		}
		e.DeliveryDetails = &d
	}
	return e, nil
}

func deliveryJSON(d *DeliveryDetails) (sql.NullString, error) {
	if d == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func (s *SQLStore) Create(ctx context.Context, e *Escrow) error {
	details, err := deliveryJSON(e.DeliveryDetails)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO escrows (`+escrowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.BuyerID, e.SellerID, string(e.Type), e.Title, e.Description, e.AmountCents, e.Currency,
		e.FeeCents, e.BuyerFeeCents, e.SellerFeeCents, e.ReleasedCents, e.RefundedCents, e.FixedFeeCharged,
		string(e.Status), string(e.PreDisputeStatus), details,
		dbx.NullTime(e.FundedAt), dbx.NullTime(e.ShippedAt), dbx.NullTime(e.DeliveredAt), dbx.NullTime(e.ResolvedAt),
		e.CreatedAt.UTC(), e.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create escrow: %w", err)
	}
	return nil
}

func (s *SQLStore) get(ctx context.Context, id, suffix string) (*Escrow, error) {
	var row escrowRow
	err := s.db.Get(ctx, &row, `SELECT `+escrowColumns+` FROM escrows WHERE id = ?`+suffix, id)
	if errors.Is(err, dbx.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow: %w", err)
	}
	return row.toEscrow()
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.get(ctx, id, "")
}

func (s *SQLStore) GetForUpdate(ctx context.Context, id string) (*Escrow, error) {
	return s.get(ctx, id, s.db.ForUpdate())
}

func (s *SQLStore) Update(ctx context.Context, e *Escrow) error {
	details, err := deliveryJSON(e.DeliveryDetails)
	if err != nil {
		return err
	}
	err = s.db.ExecOne(ctx, `UPDATE escrows SET
			fee_cents = ?, buyer_fee_cents = ?, seller_fee_cents = ?, released_cents = ?, refunded_cents = ?,
			fixed_fee_charged = ?, status = ?, pre_dispute_status = ?, delivery_details = ?,
			funded_at = ?, shipped_at = ?, delivered_at = ?, resolved_at = ?, updated_at = ?
		WHERE id = ?`,
		e.FeeCents, e.BuyerFeeCents, e.SellerFeeCents, e.ReleasedCents, e.RefundedCents,
		e.FixedFeeCharged, string(e.Status), string(e.PreDisputeStatus), details,
		dbx.NullTime(e.FundedAt), dbx.NullTime(e.ShippedAt), dbx.NullTime(e.DeliveredAt), dbx.NullTime(e.ResolvedAt),
		e.UpdatedAt.UTC(), e.ID)
	if errors.Is(err, dbx.ErrNoRows) {
		return ErrEscrowNotFound
	}
	if err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	return nil
}

func (s *SQLStore) selectEscrows(ctx context.Context, query string, args ...interface{}) ([]*Escrow, error) {
	var rows []escrowRow
	if err := s.db.Select(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list escrows: %w", err)
	}
	out := make([]*Escrow, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEscrow()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *SQLStore) ListByParty(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Escrow, error) {
	if before == nil {
		return s.selectEscrows(ctx, `SELECT `+escrowColumns+` FROM escrows
			WHERE buyer_id = ? OR seller_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?`, userID, userID, limit)
	}
	return s.selectEscrows(ctx, `SELECT `+escrowColumns+` FROM escrows
		WHERE (buyer_id = ? OR seller_id = ?) AND (created_at < ? OR (created_at = ? AND id < ?))
		ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, userID, before.CreatedAt, before.CreatedAt, before.ID, limit)
}

func (s *SQLStore) ListByStatus(ctx context.Context, status Status, createdBefore time.Time, limit int) ([]*Escrow, error) {
	return s.selectEscrows(ctx, `SELECT `+escrowColumns+` FROM escrows
		WHERE status = ? AND created_at < ? ORDER BY created_at LIMIT ?`,
		string(status), createdBefore.UTC(), limit)
}

func (s *SQLStore) Totals(ctx context.Context) ([]StatusTotal, error) {
	var out []StatusTotal
	err := s.db.Select(ctx, &out, `SELECT currency, status, COUNT(*) AS count,
			COALESCE(SUM(amount_cents), 0) AS amount_cents,
			COALESCE(SUM(fee_cents), 0) AS fee_cents,
			COALESCE(SUM(released_cents), 0) AS released_cents,
			COALESCE(SUM(refunded_cents), 0) AS refunded_cents
		FROM escrows GROUP BY currency, status ORDER BY currency, status`)
	if err != nil {
		return nil, fmt.Errorf("escrow totals: %w", err)
	}
	return out, nil
}

const milestoneColumns = `id, escrow_id, sequence, title, amount_cents, fee_cents, refunded_cents,
	status, completed_at, released_at, created_at`

type milestoneRow struct {
	ID          string       `db:"id"`
	EscrowID    string       `db:"escrow_id"`
	Sequence    int          `db:"sequence"`
	Title       string       `db:"title"`
	AmountCents int64        `db:"amount_cents"`
	FeeCents    int64        `db:"fee_cents"`
	Refunded    int64        `db:"refunded_cents"`
	Status      string       `db:"status"`
	CompletedAt sql.NullTime `db:"completed_at"`
	ReleasedAt  sql.NullTime `db:"released_at"`
	CreatedAt   time.Time    `db:"created_at"`
}

func (s *SQLStore) AddMilestone(ctx context.Context, m *Milestone) error {
	_, err := s.db.Exec(ctx, `INSERT INTO milestones (`+milestoneColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.EscrowID, m.Sequence, m.Title, m.AmountCents, m.FeeCents, m.RefundedCents, string(m.Status),
		dbx.NullTime(m.CompletedAt), dbx.NullTime(m.ReleasedAt), m.CreatedAt.UTC())
	if dbx.IsUniqueViolation(err) {
		return fmt.Errorf("%w: duplicate milestone sequence %d", ErrMilestoneSum, m.Sequence)
	}
	if err != nil {
		return fmt.Errorf("add milestone: %w", err)
	}
	return nil
}

func (s *SQLStore) ListMilestones(ctx context.Context, escrowID string) ([]*Milestone, error) {
	var rows []milestoneRow
	err := s.db.Select(ctx, &rows, `SELECT `+milestoneColumns+` FROM milestones
		WHERE escrow_id = ? ORDER BY sequence`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	out := make([]*Milestone, 0, len(rows))
	for _, r := range rows {
		out = append(out, &Milestone{
			ID:            r.ID,
			EscrowID:      r.EscrowID,
			Sequence:      r.Sequence,
			Title:         r.Title,
			AmountCents:   r.AmountCents,
			FeeCents:      r.FeeCents,
			RefundedCents: r.Refunded,
			Status:        MilestoneStatus(r.Status),
			CompletedAt:   dbx.TimePtr(r.CompletedAt),
			ReleasedAt:    dbx.TimePtr(r.ReleasedAt),
			CreatedAt:     r.CreatedAt.UTC(),
		})
	}
	return out, nil
}

func (s *SQLStore) UpdateMilestone(ctx context.Context, m *Milestone) error {
	err := s.db.ExecOne(ctx, `UPDATE milestones SET fee_cents = ?, refunded_cents = ?, status = ?,
		completed_at = ?, released_at = ? WHERE id = ?`,
		m.FeeCents, m.RefundedCents, string(m.Status), dbx.NullTime(m.CompletedAt), dbx.NullTime(m.ReleasedAt), m.ID)
	if errors.Is(err, dbx.ErrNoRows) {
		return ErrMilestoneNotFound
	}
	if err != nil {
		return fmt.Errorf("update milestone: %w", err)
	}
	return nil
}

const shipmentColumns = `id, escrow_id, tracking_number, carrier, delivery_code, short_reference,
	confirmed_at, confirmed_via, confirmed_by, created_at`

type shipmentRow struct {
	ID             string       `db:"id"`
	EscrowID       string       `db:"escrow_id"`
	TrackingNumber string       `db:"tracking_number"`
	Carrier        string       `db:"carrier"`
	DeliveryCode   string       `db:"delivery_code"`
	ShortReference string       `db:"short_reference"`
	ConfirmedAt    sql.NullTime `db:"confirmed_at"`
	ConfirmedVia   string       `db:"confirmed_via"`
	ConfirmedBy    string       `db:"confirmed_by"`
	CreatedAt      time.Time    `db:"created_at"`
}

func (s *SQLStore) CreateShipment(ctx context.Context, sh *Shipment) error {
	_, err := s.db.Exec(ctx, `INSERT INTO shipments (`+shipmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sh.ID, sh.EscrowID, sh.TrackingNumber, sh.Carrier, sh.DeliveryCode, sh.ShortReference,
		dbx.NullTime(sh.ConfirmedAt), sh.ConfirmedVia, sh.ConfirmedBy, sh.CreatedAt.UTC())
	if dbx.IsUniqueViolation(err) {
		return fmt.Errorf("%w: escrow already has an active shipment", ErrInvalidStatus)
	}
	if err != nil {
		return fmt.Errorf("create shipment: %w", err)
	}
	return nil
}

func (s *SQLStore) GetShipment(ctx context.Context, escrowID string) (*Shipment, error) {
	var r shipmentRow
	err := s.db.Get(ctx, &r, `SELECT `+shipmentColumns+` FROM shipments
		WHERE escrow_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, escrowID)
	if errors.Is(err, dbx.ErrNoRows) {
		return nil, ErrShipmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get shipment: %w", err)
	}
	return &Shipment{
		ID:             r.ID,
		EscrowID:       r.EscrowID,
		TrackingNumber: r.TrackingNumber,
		Carrier:        r.Carrier,
		DeliveryCode:   r.DeliveryCode,
		ShortReference: r.ShortReference,
		ConfirmedAt:    dbx.TimePtr(r.ConfirmedAt),
		ConfirmedVia:   r.ConfirmedVia,
		ConfirmedBy:    r.ConfirmedBy,
		CreatedAt:      r.CreatedAt.UTC(),
	}, nil
}

func (s *SQLStore) UpdateShipment(ctx context.Context, sh *Shipment) error {
	err := s.db.ExecOne(ctx, `UPDATE shipments SET tracking_number = ?, carrier = ?, confirmed_at = ?,
			confirmed_via = ?, confirmed_by = ?
		WHERE id = ?`,
		sh.TrackingNumber, sh.Carrier, dbx.NullTime(sh.ConfirmedAt), sh.ConfirmedVia, sh.ConfirmedBy, sh.ID)
	if errors.Is(err, dbx.ErrNoRows) {
		return ErrShipmentNotFound
	}
	if err != nil {
		return fmt.Errorf("update shipment: %w", err)
	}
	return nil
}

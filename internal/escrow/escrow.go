// Package escrow holds a buyer's payment until the seller has delivered.
//
// Flow:
//  1. Buyer creates the escrow (AWAITING_FUNDING), optionally split into
//     milestones
//  2. Buyer funds it: buyer available -> held (FUNDED)
//  3. Goods: seller ships (SHIPPED), buyer or delivery-code holder confirms
//     (DELIVERED). Services: seller marks the work done (AWAITING_RELEASE)
//  4. Buyer releases: buyer held -> seller available minus fee, fee ->
//     platform (RELEASED). Milestone escrows release milestone by milestone
//  5. Either party can dispute a funded escrow; the dispute package then
//     owns the funds until it resolves (RELEASED/REFUNDED) or closes
//
// Every operation locks the escrow and the wallets it may touch, then runs
// as one unit of work spanning escrow rows and ledger entries.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/holdfast/holdfast/internal/apperr"
	"github.com/holdfast/holdfast/internal/auth"
	"github.com/holdfast/holdfast/internal/fees"
	"github.com/holdfast/holdfast/internal/idgen"
	"github.com/holdfast/holdfast/internal/ledger"
	"github.com/holdfast/holdfast/internal/logging"
	"github.com/holdfast/holdfast/internal/metrics"
	"github.com/holdfast/holdfast/internal/pagination"
	"github.com/holdfast/holdfast/internal/syncutil"
	"github.com/holdfast/holdfast/internal/traces"
	"github.com/holdfast/holdfast/internal/txn"
	"github.com/holdfast/holdfast/internal/validation"
)

var (
	ErrEscrowNotFound      = apperr.New(apperr.KindNotFound, "escrow not found")
	ErrMilestoneNotFound   = apperr.New(apperr.KindNotFound, "milestone not found")
	ErrShipmentNotFound    = apperr.New(apperr.KindNotFound, "shipment not found")
	ErrInvalidStatus       = apperr.New(apperr.KindInvalidStateTransition, "invalid escrow status for this operation")
	ErrUnauthorized        = apperr.New(apperr.KindUnauthorized, "not authorized for this escrow operation")
	ErrInvalidDeliveryCode = apperr.New(apperr.KindInvalidDeliveryCode, "invalid or already used delivery code")
	ErrMilestoneSum        = apperr.New(apperr.KindValidation, "milestone amounts exceed the escrow amount")
	ErrMilestonesUnfunded  = apperr.New(apperr.KindInvalidStateTransition, "milestones must add up to the escrow amount before funding")
	ErrMilestoneOrder      = apperr.New(apperr.KindInvalidStateTransition, "earlier milestones must be handled first")
	ErrMilestoneEscrow     = apperr.New(apperr.KindInvalidStateTransition, "escrow uses milestones; release them individually")
	ErrNotMilestoneEscrow  = apperr.New(apperr.KindInvalidStateTransition, "escrow has no milestones")
	ErrWrongType           = apperr.New(apperr.KindInvalidStateTransition, "operation does not apply to this escrow type")
	ErrNotLocked           = errors.New("escrow: dispute transition outside Transact")
)

// Status is the lifecycle state of an escrow.
type Status string

const (
	StatusAwaitingFunding Status = "AWAITING_FUNDING"
	StatusFunded          Status = "FUNDED"
	StatusShipped         Status = "SHIPPED"
	StatusAwaitingRelease Status = "AWAITING_RELEASE"
	StatusDelivered       Status = "DELIVERED"
	StatusDisputed        Status = "DISPUTED"
	StatusReleased        Status = "RELEASED"
	StatusRefunded        Status = "REFUNDED"
	StatusCancelled       Status = "CANCELLED"
)

// ActiveStatuses are the states in which the buyer's hold is outstanding.
var ActiveStatuses = []Status{StatusFunded, StatusShipped, StatusDelivered, StatusAwaitingRelease, StatusDisputed}

// Type selects the fulfilment path.
type Type string

const (
	TypeGoods   Type = "GOODS"
	TypeService Type = "SERVICE"
)

// DeliveryDetails is where and to whom goods are sent.
type DeliveryDetails struct {
	RecipientName string `json:"recipientName,omitempty"`
	Phone         string `json:"phone,omitempty"`
	Address       string `json:"address,omitempty"`
	City          string `json:"city,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

// Escrow is one buyer/seller deal in a single currency.
type Escrow struct {
	ID               string           `json:"id"`
	BuyerID          string           `json:"buyerId"`
	SellerID         string           `json:"sellerId"`
	Type             Type             `json:"type"`
	Title            string           `json:"title"`
	Description      string           `json:"description,omitempty"`
	AmountCents      int64            `json:"amountCents"`
	Currency         string           `json:"currency"`
	FeeCents         int64            `json:"feeCents"`
	BuyerFeeCents    int64            `json:"buyerFeeCents"`
	SellerFeeCents   int64            `json:"sellerFeeCents"`
	ReleasedCents    int64            `json:"releasedCents"`
	RefundedCents    int64            `json:"refundedCents"`
	FixedFeeCharged  bool             `json:"-"`
	Status           Status           `json:"status"`
	PreDisputeStatus Status           `json:"preDisputeStatus,omitempty"`
	DeliveryDetails  *DeliveryDetails `json:"deliveryDetails,omitempty"`
	Milestones       []*Milestone     `json:"milestones,omitempty"`
	FundedAt         *time.Time       `json:"fundedAt,omitempty"`
	ShippedAt        *time.Time       `json:"shippedAt,omitempty"`
	DeliveredAt      *time.Time       `json:"deliveredAt,omitempty"`
	ResolvedAt       *time.Time       `json:"resolvedAt,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// IsTerminal reports whether the escrow can no longer change.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// IsParty reports whether userID is the buyer or the seller.
func (e *Escrow) IsParty(userID string) bool {
	return userID != "" && (userID == e.BuyerID || userID == e.SellerID)
}

// RemainingCents is the part of the amount still held for this escrow.
func (e *Escrow) RemainingCents() int64 {
	if e.FundedAt == nil {
		return 0
	}
	return e.AmountCents - e.ReleasedCents - e.RefundedCents
}

// Disputable reports whether a dispute may be opened in the current state.
func (e *Escrow) Disputable() bool {
	switch e.Status {
	case StatusFunded, StatusShipped, StatusDelivered, StatusAwaitingRelease:
		return true
	}
	return false
}

func (e *Escrow) hasMilestones() bool {
	return len(e.Milestones) > 0
}

// MilestoneStatus is the lifecycle state of a milestone.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "PENDING"
	MilestoneCompleted MilestoneStatus = "COMPLETED"
	MilestoneReleased  MilestoneStatus = "RELEASED"
	// MilestoneRefunded is set only by dispute settlement, when none of the
	// milestone's amount went to the seller.
	MilestoneRefunded MilestoneStatus = "REFUNDED"
)

// Milestone is an independently releasable part of an escrow's amount.
type Milestone struct {
	ID            string          `json:"id"`
	EscrowID      string          `json:"escrowId"`
	Sequence      int             `json:"sequence"`
	Title         string          `json:"title"`
	AmountCents   int64           `json:"amountCents"`
	FeeCents      int64           `json:"feeCents"`
	RefundedCents int64           `json:"refundedCents,omitempty"`
	Status        MilestoneStatus `json:"status"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	ReleasedAt    *time.Time      `json:"releasedAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Shipment records a GOODS escrow's dispatch and its delivery code.
type Shipment struct {
	ID             string     `json:"id"`
	EscrowID       string     `json:"escrowId"`
	TrackingNumber string     `json:"trackingNumber,omitempty"`
	Carrier        string     `json:"carrier,omitempty"`
	DeliveryCode   string     `json:"deliveryCode,omitempty"`
	ShortReference string     `json:"shortReference"`
	ConfirmedAt    *time.Time `json:"confirmedAt,omitempty"`
	ConfirmedVia   string     `json:"confirmedVia,omitempty"`
	ConfirmedBy    string     `json:"confirmedBy,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// StatusTotal aggregates escrows sharing a currency and status.
type StatusTotal struct {
	Currency      string `json:"currency" db:"currency"`
	Status        Status `json:"status" db:"status"`
	Count         int64  `json:"count" db:"count"`
	AmountCents   int64  `json:"amountCents" db:"amount_cents"`
	FeeCents      int64  `json:"feeCents" db:"fee_cents"`
	ReleasedCents int64  `json:"releasedCents" db:"released_cents"`
	RefundedCents int64  `json:"refundedCents" db:"refunded_cents"`
}

// Store persists escrows, milestones and shipments.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetForUpdate(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	ListByParty(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Escrow, error)
	ListByStatus(ctx context.Context, status Status, createdBefore time.Time, limit int) ([]*Escrow, error)
	Totals(ctx context.Context) ([]StatusTotal, error)

	AddMilestone(ctx context.Context, m *Milestone) error
	ListMilestones(ctx context.Context, escrowID string) ([]*Milestone, error)
	UpdateMilestone(ctx context.Context, m *Milestone) error

	CreateShipment(ctx context.Context, sh *Shipment) error
	GetShipment(ctx context.Context, escrowID string) (*Shipment, error)
	UpdateShipment(ctx context.Context, sh *Shipment) error
}

// KYCChecker gates funding on identity verification.
type KYCChecker interface {
	RequireVerified(ctx context.Context, userID string) error
}

// Notifier receives committed escrow and dispute events for the parties.
type Notifier interface {
	Notify(eventType string, audience []string, payload interface{})
}

// Options tune policy decisions.
type Options struct {
	DefaultCurrency      string
	StrictMilestoneOrder bool
}

// MilestoneInput describes a milestone at creation time.
type MilestoneInput struct {
	Sequence    int    `json:"sequence"`
	Title       string `json:"title"`
	AmountCents int64  `json:"amountCents"`
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	SellerID        string           `json:"sellerId" binding:"required"`
	Type            Type             `json:"type"`
	Title           string           `json:"title" binding:"required"`
	Description     string           `json:"description"`
	AmountCents     int64            `json:"amountCents" binding:"required"`
	Currency        string           `json:"currency"`
	DeliveryDetails *DeliveryDetails `json:"deliveryDetails"`
	Milestones      []MilestoneInput `json:"milestones"`
}

// ShipRequest contains the optional shipment details.
type ShipRequest struct {
	TrackingNumber string `json:"trackingNumber"`
	Carrier        string `json:"carrier"`
}

// Service implements escrow business logic.
type Service struct {
	store    Store
	ledger   *ledger.Ledger
	fees     *fees.Service
	tx       txn.Runner
	locker   *syncutil.Locker
	kyc      KYCChecker
	notifier Notifier
	opts     Options
}

// NewService creates a new escrow service.
func NewService(store Store, l *ledger.Ledger, f *fees.Service, tx txn.Runner, locker *syncutil.Locker, opts Options) *Service {
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = "GHS"
	}
	return &Service{store: store, ledger: l, fees: f, tx: tx, locker: locker, opts: opts}
}

// WithKYC requires verified identity before funding.
func (s *Service) WithKYC(k KYCChecker) *Service {
	s.kyc = k
	return s
}

// WithNotifier streams committed events to the parties.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Create opens an escrow in AWAITING_FUNDING with the caller as buyer.
func (s *Service) Create(ctx context.Context, actor auth.Actor, req CreateRequest) (*Escrow, error) {
	currency := validation.NormalizeCurrency(req.Currency)
	if currency == "" {
		currency = s.opts.DefaultCurrency
	}
	if req.Type == "" {
		req.Type = TypeGoods
	}

	errs := validation.Validate(
		validation.Required("sellerId", req.SellerID),
		validation.Required("title", req.Title),
		validation.MaxLength("title", req.Title, 200),
		validation.MaxLength("description", req.Description, 2000),
		validation.PositiveCents("amountCents", req.AmountCents),
		validation.Currency("currency", currency),
	)
	if req.SellerID == actor.UserID {
		errs = append(errs, validation.ValidationError{Field: "sellerId", Message: "buyer and seller must differ"})
	}
	if req.Type != TypeGoods && req.Type != TypeService {
		errs = append(errs, validation.ValidationError{Field: "type", Message: "must be GOODS or SERVICE"})
	}
	if len(errs) > 0 {
		return nil, apperr.Wrap(apperr.KindValidation, errs, "")
	}

	now := time.Now().UTC()
	e := &Escrow{
		ID:              idgen.WithPrefix("esc_"),
		BuyerID:         actor.UserID,
		SellerID:        req.SellerID,
		Type:            req.Type,
		Title:           validation.SanitizeString(req.Title, 200),
		Description:     validation.SanitizeString(req.Description, 2000),
		AmountCents:     req.AmountCents,
		Currency:        currency,
		Status:          StatusAwaitingFunding,
		DeliveryDetails: req.DeliveryDetails,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	seen := make(map[int]bool, len(req.Milestones))
	var sum int64
	for _, in := range req.Milestones {
		if in.Sequence <= 0 || seen[in.Sequence] {
			return nil, apperr.Validationf("milestone sequences must be positive and unique")
		}
		if in.AmountCents <= 0 {
			return nil, apperr.Validationf("milestone amounts must be greater than zero")
		}
		seen[in.Sequence] = true
		sum += in.AmountCents
		if in.AmountCents > e.AmountCents || sum > e.AmountCents {
			return nil, fmt.Errorf("%w: milestones %d, escrow %d", ErrMilestoneSum, sum, e.AmountCents)
		}
		e.Milestones = append(e.Milestones, &Milestone{
			ID:          idgen.WithPrefix("mst_"),
			EscrowID:    e.ID,
			Sequence:    in.Sequence,
			Title:       validation.SanitizeString(in.Title, 200),
			AmountCents: in.AmountCents,
			Status:      MilestonePending,
			CreatedAt:   now,
		})
	}
	sortMilestones(e.Milestones)

	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.store.Create(ctx, e); err != nil {
			return err
		}
		for _, m := range e.Milestones {
			if err := s.store.AddMilestone(ctx, m); err != nil {
				return err
			}
		}
		txn.AfterCommit(ctx, func() { metrics.EscrowCreatedTotal.Inc() })
		s.emit(ctx, "escrow.created", e)
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("escrow created", "escrowId", e.ID, "seller", e.SellerID,
		"amountCents", e.AmountCents, "currency", e.Currency, "milestones", len(e.Milestones))
	return e, nil
}

// Get returns an escrow with its milestones. Parties and admins only.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id string) (*Escrow, error) {
	e, err := s.load(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(actor.UserID) && !actor.IsAdmin() {
		return nil, ErrUnauthorized
	}
	return e, nil
}

// Lookup returns an escrow without an authorization check, for internal
// callers that enforce their own.
func (s *Service) Lookup(ctx context.Context, id string) (*Escrow, error) {
	return s.load(ctx, id, false)
}

// List returns the caller's escrows, newest first.
func (s *Service) List(ctx context.Context, actor auth.Actor, cursor string, limit int) ([]*Escrow, string, error) {
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", apperr.Validationf(err.Error())
	}
	items, err := s.store.ListByParty(ctx, actor.UserID, before, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(items, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, nil
}

// Totals aggregates all escrows by currency and status.
func (s *Service) Totals(ctx context.Context) ([]StatusTotal, error) {
	return s.store.Totals(ctx)
}

// Cancel abandons an unfunded escrow. Either party may cancel.
func (s *Service) Cancel(ctx context.Context, actor auth.Actor, id string) (*Escrow, error) {
	return s.transact(ctx, id, false, func(ctx context.Context, e *Escrow) error {
		if !e.IsParty(actor.UserID) && !actor.IsAdmin() {
			return ErrUnauthorized
		}
		if e.Status != StatusAwaitingFunding {
			return invalidStatus(e, "cancel")
		}
		return s.moveTo(ctx, e, StatusCancelled)
	})
}

// Fund places a hold on the buyer's wallet for the full amount.
func (s *Service) Fund(ctx context.Context, actor auth.Actor, id string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.fund", traces.EscrowID(id))
	defer span.End()

	e, err := s.transact(ctx, id, true, func(ctx context.Context, e *Escrow) error {
		if actor.UserID != e.BuyerID {
			return ErrUnauthorized
		}
		if e.Status != StatusAwaitingFunding {
			return invalidStatus(e, "fund")
		}
		if e.hasMilestones() {
			var sum int64
			for _, m := range e.Milestones {
				sum += m.AmountCents
			}
			if sum != e.AmountCents {
				return fmt.Errorf("%w: milestones %d, escrow %d", ErrMilestonesUnfunded, sum, e.AmountCents)
			}
		}
		if s.kyc != nil {
			if err := s.kyc.RequireVerified(ctx, e.BuyerID); err != nil {
				return err
			}
		}

		w, err := s.wallets(ctx, e)
		if err != nil {
			return err
		}
		if _, err := s.ledger.Hold(ctx, w.buyer, e.AmountCents, ledger.Posting{
			EscrowID:    e.ID,
			Description: "escrow funded: " + e.Title,
		}); err != nil {
			return err
		}

		now := time.Now().UTC()
		e.FundedAt = &now
		return s.moveTo(ctx, e, StatusFunded)
	})
	if err != nil {
		traces.RecordError(span, err)
	}
	return e, err
}

// Ship records the dispatch of goods and issues the delivery code.
func (s *Service) Ship(ctx context.Context, actor auth.Actor, id string, req ShipRequest) (*Escrow, *Shipment, error) {
	var sh *Shipment
	e, err := s.transact(ctx, id, false, func(ctx context.Context, e *Escrow) error {
		if actor.UserID != e.SellerID {
			return ErrUnauthorized
		}
		if e.Type != TypeGoods {
			return ErrWrongType
		}
		if e.Status != StatusFunded {
			return invalidStatus(e, "ship")
		}

		now := time.Now().UTC()
		sh = &Shipment{
			ID:             idgen.WithPrefix("shp_"),
			EscrowID:       e.ID,
			TrackingNumber: validation.SanitizeString(req.TrackingNumber, 100),
			Carrier:        validation.SanitizeString(req.Carrier, 100),
			DeliveryCode:   idgen.Code(deliveryCodeLength),
			ShortReference: shortReference(),
			CreatedAt:      now,
		}
		if err := s.store.CreateShipment(ctx, sh); err != nil {
			return err
		}
		e.ShippedAt = &now
		return s.moveTo(ctx, e, StatusShipped)
	})
	if err != nil {
		return nil, nil, err
	}
	return e, sh, nil
}

// Deliver is the buyer confirming receipt.
func (s *Service) Deliver(ctx context.Context, actor auth.Actor, id string) (*Escrow, error) {
	return s.transact(ctx, id, false, func(ctx context.Context, e *Escrow) error {
		if actor.UserID != e.BuyerID {
			return ErrUnauthorized
		}
		if e.Status != StatusShipped {
			return invalidStatus(e, "deliver")
		}
		sh, err := s.store.GetShipment(ctx, e.ID)
		if err != nil {
			return err
		}
		if sh.ConfirmedAt != nil {
			return invalidStatus(e, "deliver")
		}
		if err := s.confirmShipment(ctx, sh, "buyer", actor.UserID); err != nil {
			return err
		}
		return s.markDelivered(ctx, e)
	})
}

// ConfirmDeliveryByCode lets whoever holds the delivery code (typically the
// courier at the door) confirm delivery. The code is case-insensitive and
// confirms at most one shipment.
func (s *Service) ConfirmDeliveryByCode(ctx context.Context, id, code, confirmedBy string) (*Escrow, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	return s.transact(ctx, id, false, func(ctx context.Context, e *Escrow) error {
		sh, err := s.store.GetShipment(ctx, e.ID)
		if errors.Is(err, ErrShipmentNotFound) {
			return invalidStatus(e, "confirm delivery")
		}
		if err != nil {
			return err
		}
		if sh.ConfirmedAt != nil {
			return ErrInvalidDeliveryCode
		}
		if e.Status != StatusShipped {
			return invalidStatus(e, "confirm delivery")
		}
		if !codesEqual(sh.DeliveryCode, code) {
			logging.L(ctx).Warn("delivery code mismatch", "escrowId", e.ID)
			return ErrInvalidDeliveryCode
		}
		if confirmedBy == "" {
			confirmedBy = "code"
		}
		if err := s.confirmShipment(ctx, sh, "code", confirmedBy); err != nil {
			return err
		}
		return s.markDelivered(ctx, e)
	})
}

// ServiceCompleted is the seller declaring a SERVICE escrow's work done.
func (s *Service) ServiceCompleted(ctx context.Context, actor auth.Actor, id string) (*Escrow, error) {
	return s.transact(ctx, id, false, func(ctx context.Context, e *Escrow) error {
		if actor.UserID != e.SellerID {
			return ErrUnauthorized
		}
		if e.Type != TypeService {
			return ErrWrongType
		}
		if e.Status != StatusFunded {
			return invalidStatus(e, "mark service completed")
		}
		return s.moveTo(ctx, e, StatusAwaitingRelease)
	})
}

// Release pays the seller: the buyer's hold is consumed, the seller is
// credited amount minus fee and the platform the fee.
func (s *Service) Release(ctx context.Context, actor auth.Actor, id string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.release", traces.EscrowID(id))
	defer span.End()

	e, err := s.transact(ctx, id, true, func(ctx context.Context, e *Escrow) error {
		if actor.UserID != e.BuyerID {
			return ErrUnauthorized
		}
		if e.Status != StatusDelivered && e.Status != StatusAwaitingRelease {
			return invalidStatus(e, "release")
		}
		if e.hasMilestones() {
			return ErrMilestoneEscrow
		}
		if _, err := s.payout(ctx, e, e.RemainingCents()); err != nil {
			return err
		}
		return s.finish(ctx, e, StatusReleased)
	})
	if err != nil {
		traces.RecordError(span, err)
	}
	return e, err
}

// Shipment returns the escrow's shipment, delivery code included. Parties
// and admins only.
func (s *Service) Shipment(ctx context.Context, actor auth.Actor, id string) (*Shipment, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(actor.UserID) && !actor.IsAdmin() {
		return nil, ErrUnauthorized
	}
	return s.store.GetShipment(ctx, id)
}

// ExpireUnfunded cancels an escrow still awaiting funding. Used by Timer.
func (s *Service) ExpireUnfunded(ctx context.Context, id string) (*Escrow, error) {
	return s.transact(ctx, id, false, func(ctx context.Context, e *Escrow) error {
		if e.Status != StatusAwaitingFunding {
			return invalidStatus(e, "expire")
		}
		return s.moveTo(ctx, e, StatusCancelled)
	})
}

// transact locks the escrow (and, with funds, the three wallets it can
// touch), then runs fn on a fresh copy inside one unit of work.
func (s *Service) transact(ctx context.Context, id string, funds bool, fn func(ctx context.Context, e *Escrow) error) (*Escrow, error) {
	keys := []string{syncutil.EscrowKey(id)}
	if funds {
		snapshot, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		w, err := s.wallets(ctx, snapshot)
		if err != nil {
			return nil, err
		}
		keys = append(keys, syncutil.WalletKey(w.buyer), syncutil.WalletKey(w.seller), syncutil.WalletKey(w.platform))
	}

	ctx, unlock, err := s.locker.Acquire(ctx, keys...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out *Escrow
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		e, err := s.load(ctx, id, true)
		if err != nil {
			return err
		}
		if funds {
			w, err := s.wallets(ctx, e)
			if err != nil {
				return err
			}
			if err := s.ledger.LockForUpdate(ctx, w.buyer, w.seller, w.platform); err != nil {
				return err
			}
		}
		if err := fn(ctx, e); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		logging.L(ctx).Debug("escrow operation rejected", "escrowId", id, "error", err)
		return nil, err
	}
	return out, nil
}

func (s *Service) load(ctx context.Context, id string, forUpdate bool) (*Escrow, error) {
	get := s.store.Get
	if forUpdate {
		get = s.store.GetForUpdate
	}
	e, err := get(ctx, id)
	if err != nil {
		return nil, err
	}
	ms, err := s.store.ListMilestones(ctx, id)
	if err != nil {
		return nil, err
	}
	e.Milestones = ms
	return e, nil
}

type partyWallets struct {
	buyer, seller, platform string
}

func (s *Service) wallets(ctx context.Context, e *Escrow) (partyWallets, error) {
	var w partyWallets
	buyer, err := s.ledger.OpenWallet(ctx, e.BuyerID, e.Currency)
	if err != nil {
		return w, err
	}
	seller, err := s.ledger.OpenWallet(ctx, e.SellerID, e.Currency)
	if err != nil {
		return w, err
	}
	platform, err := s.ledger.PlatformWallet(ctx, e.Currency)
	if err != nil {
		return w, err
	}
	return partyWallets{buyer: buyer.ID, seller: seller.ID, platform: platform.ID}, nil
}

// payout moves grossCents of the buyer's hold to the seller and the fee to
// the platform. The fixed part of the fee is charged once per escrow.
func (s *Service) payout(ctx context.Context, e *Escrow, grossCents int64) (fees.Breakdown, error) {
	policy, err := s.fees.Current(ctx)
	if err != nil {
		return fees.Breakdown{}, err
	}
	b := policy.Compute(grossCents, !e.FixedFeeCharged)
	if grossCents <= 0 {
		return b, nil
	}

	w, err := s.wallets(ctx, e)
	if err != nil {
		return b, err
	}
	p := ledger.Posting{EscrowID: e.ID, Description: "escrow released: " + e.Title}
	if err := s.ledger.SettleHold(ctx, w.buyer, grossCents, p); err != nil {
		return b, err
	}
	if b.NetCents > 0 {
		if _, err := s.ledger.Credit(ctx, w.seller, b.NetCents, p); err != nil {
			return b, err
		}
	}
	if b.FeeCents > 0 {
		if _, err := s.ledger.Credit(ctx, w.platform, b.FeeCents, ledger.Posting{
			EscrowID:    e.ID,
			Description: "escrow fee",
		}); err != nil {
			return b, err
		}
		currency := e.Currency
		fee := b.FeeCents
		txn.AfterCommit(ctx, func() {
			metrics.FeesCollectedCents.WithLabelValues(currency, "escrow").Add(float64(fee))
		})
	}

	e.ReleasedCents += grossCents
	e.FeeCents += b.FeeCents
	e.BuyerFeeCents += b.BuyerShareCents
	e.SellerFeeCents += b.SellerShareCents
	if !e.FixedFeeCharged && policy.FixedCents > 0 {
		e.FixedFeeCharged = true
	}
	return b, nil
}

// refund returns cents of the buyer's hold to the buyer's available balance.
func (s *Service) refund(ctx context.Context, e *Escrow, cents int64) error {
	if cents <= 0 {
		return nil
	}
	w, err := s.wallets(ctx, e)
	if err != nil {
		return err
	}
	if _, err := s.ledger.ReleaseHold(ctx, w.buyer, cents, ledger.Posting{
		EscrowID:    e.ID,
		Description: "escrow refunded: " + e.Title,
	}); err != nil {
		return err
	}
	e.RefundedCents += cents
	return nil
}

func (s *Service) confirmShipment(ctx context.Context, sh *Shipment, via, by string) error {
	now := time.Now().UTC()
	sh.ConfirmedAt = &now
	sh.ConfirmedVia = via
	sh.ConfirmedBy = by
	return s.store.UpdateShipment(ctx, sh)
}

func (s *Service) markDelivered(ctx context.Context, e *Escrow) error {
	now := time.Now().UTC()
	e.DeliveredAt = &now
	return s.moveTo(ctx, e, StatusDelivered)
}

// finish moves the escrow to a terminal status.
func (s *Service) finish(ctx context.Context, e *Escrow, to Status) error {
	now := time.Now().UTC()
	e.ResolvedAt = &now
	if e.FundedAt != nil {
		funded := *e.FundedAt
		txn.AfterCommit(ctx, func() {
			metrics.EscrowDuration.Observe(now.Sub(funded).Seconds())
		})
	}
	return s.moveTo(ctx, e, to)
}

// moveTo persists a status change and schedules its event.
func (s *Service) moveTo(ctx context.Context, e *Escrow, to Status) error {
	from := e.Status
	e.Status = to
	e.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, e); err != nil {
		return err
	}

	txn.AfterCommit(ctx, func() {
		metrics.EscrowTransitionsTotal.WithLabelValues(string(to)).Inc()
		logging.L(ctx).Info("escrow transition", "escrowId", e.ID, "from", from, "to", to)
	})
	s.emit(ctx, "escrow."+strings.ToLower(string(to)), e)
	return nil
}

func (s *Service) emit(ctx context.Context, eventType string, e *Escrow) {
	if s.notifier == nil {
		return
	}
	snapshot := *e
	snapshot.Milestones = nil
	txn.AfterCommit(ctx, func() {
		s.notifier.Notify(eventType, []string{e.BuyerID, e.SellerID}, &snapshot)
	})
}

func invalidStatus(e *Escrow, op string) error {
	return fmt.Errorf("%w: cannot %s escrow in status %s", ErrInvalidStatus, op, e.Status)
}

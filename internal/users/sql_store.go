package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/holdfast/holdfast/internal/dbx"
)

// SQLStore persists users in PostgreSQL or SQLite.
type SQLStore struct {
	db *dbx.DB
}

// NewSQLStore creates a SQL-backed user store.
func NewSQLStore(db *dbx.DB) *SQLStore {
	return &SQLStore{db: db}
}

const userColumns = `id, phone, display_name, roles, kyc_status, kyc_score, phone_verified,
	phone_code_hash, created_at, updated_at`

type userRow struct {
	ID            string    `db:"id"`
	Phone         string    `db:"phone"`
	DisplayName   string    `db:"display_name"`
	Roles         string    `db:"roles"`
	KYCStatus     string    `db:"kyc_status"`
	KYCScore      float64   `db:"kyc_score"`
	PhoneVerified bool      `db:"phone_verified"`
	PhoneCodeHash string    `db:"phone_code_hash"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r userRow) toUser() *User {
	var roles []string
	for _, role := range strings.Split(r.Roles, ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	return &User{
		ID:            r.ID,
		Phone:         r.Phone,
		DisplayName:   r.DisplayName,
		Roles:         roles,
		KYCStatus:     KYCStatus(r.KYCStatus),
		KYCScore:      r.KYCScore,
		PhoneVerified: r.PhoneVerified,
		PhoneCodeHash: r.PhoneCodeHash,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

func (s *SQLStore) Create(ctx context.Context, u *User) error {
	_, err := s.db.Exec(ctx, `INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Phone, u.DisplayName, strings.Join(u.Roles, ","), string(u.KYCStatus), u.KYCScore,
		u.PhoneVerified, u.PhoneCodeHash, u.CreatedAt.UTC(), u.UpdatedAt.UTC())
	if dbx.IsUniqueViolation(err) {
		return ErrPhoneTaken
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*User, error) {
	var row userRow
	err := s.db.Get(ctx, &row, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	if errors.Is(err, dbx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return row.toUser(), nil
}

func (s *SQLStore) Update(ctx context.Context, u *User) error {
	err := s.db.ExecOne(ctx, `UPDATE users SET
			display_name = ?, roles = ?, kyc_status = ?, kyc_score = ?, phone_verified = ?,
			phone_code_hash = ?, updated_at = ?
		WHERE id = ?`,
		u.DisplayName, strings.Join(u.Roles, ","), string(u.KYCStatus), u.KYCScore, u.PhoneVerified,
		u.PhoneCodeHash, u.UpdatedAt.UTC(), u.ID)
	if errors.Is(err, dbx.ErrNoRows) {
		return ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

type kycRow struct {
	Reference  string    `db:"reference"`
	UserID     string    `db:"user_id"`
	Passed     bool      `db:"passed"`
	Score      float64   `db:"score"`
	Status     string    `db:"status"`
	ReceivedAt time.Time `db:"received_at"`
}

func (s *SQLStore) CreateKYCResult(ctx context.Context, r *KYCResult) error {
	_, err := s.db.Exec(ctx, `INSERT INTO kyc_results (reference, user_id, passed, score, status, received_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.Reference, r.UserID, r.Passed, r.Score, string(r.Status), r.ReceivedAt.UTC())
	if dbx.IsUniqueViolation(err) {
		return ErrDuplicateKYC
	}
	if err != nil {
		return fmt.Errorf("create kyc result: %w", err)
	}
	return nil
}

func (s *SQLStore) GetKYCResult(ctx context.Context, reference string) (*KYCResult, error) {
	var row kycRow
	err := s.db.Get(ctx, &row, `SELECT reference, user_id, passed, score, status, received_at
		FROM kyc_results WHERE reference = ?`, reference)
	if errors.Is(err, dbx.ErrNoRows) {
		return nil, ErrKYCNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get kyc result: %w", err)
	}
	return &KYCResult{
		Reference:  row.Reference,
		UserID:     row.UserID,
		Passed:     row.Passed,
		Score:      row.Score,
		Status:     KYCStatus(row.Status),
		ReceivedAt: row.ReceivedAt.UTC(),
	}, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
	"github.com/XavierOP877/x402-avalanche--sub001/registry"
)

// FacilitatorStore implements registry.Store.
type FacilitatorStore struct {
	db *sql.DB
}

const facilitatorColumns = `id, name, owner_address, wallet_address, payment_recipient,
	encrypted_private_key, status, total_payments, last_used, created_at, registration_tx_hash`

func (s *FacilitatorStore) Insert(ctx context.Context, f registry.Facilitator) error {
	var lastUsed sql.NullString
	if f.LastUsed != nil {
		lastUsed = sql.NullString{String: formatTime(*f.LastUsed), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO facilitators (`+facilitatorColumns+`, owner_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Name, f.OwnerAddress, f.FacilitatorWalletAddress, f.PaymentRecipient,
		f.EncryptedPrivateKey, string(f.Status), f.TotalPayments, lastUsed, formatTime(f.CreatedAt),
		f.RegistrationTxHash, strings.ToLower(f.OwnerAddress))
	if isUnique(err) {
		if strings.Contains(err.Error(), "owner_key") {
			return x402.NewPreconditionFailed("owner_exists", "owner already has a facilitator")
		}
		return x402.NewPreconditionFailed("id_exists", "facilitator id already exists")
	}
	return classify(err, "insert facilitator")
}

func (s *FacilitatorStore) Get(ctx context.Context, id string) (*registry.Facilitator, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+facilitatorColumns+` FROM facilitators WHERE id = ?`, id)
	f, err := scanFacilitator(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registry.NotFound(id)
	}
	if err != nil {
		return nil, classify(err, "get facilitator")
	}
	return f, nil
}

func (s *FacilitatorStore) GetByOwner(ctx context.Context, owner string) (*registry.Facilitator, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+facilitatorColumns+` FROM facilitators WHERE owner_key = ?`,
		strings.ToLower(owner))
	f, err := scanFacilitator(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get facilitator by owner")
	}
	return f, nil
}

func (s *FacilitatorStore) List(ctx context.Context) ([]registry.Facilitator, error) {
	return s.query(ctx, "list facilitators", `SELECT `+facilitatorColumns+` FROM facilitators ORDER BY seq`)
}

func (s *FacilitatorStore) ListByStatus(ctx context.Context, status registry.Status) ([]registry.Facilitator, error) {
	return s.query(ctx, "list facilitators by status",
		`SELECT `+facilitatorColumns+` FROM facilitators WHERE status = ? ORDER BY seq`, string(status))
}

func (s *FacilitatorStore) Search(ctx context.Context, name string) ([]registry.Facilitator, error) {
	return s.query(ctx, "search facilitators",
		`SELECT `+facilitatorColumns+` FROM facilitators WHERE lower(name) LIKE ? ESCAPE '\' ORDER BY seq`,
		likePattern(name))
}

func (s *FacilitatorStore) Update(ctx context.Context, f registry.Facilitator) error {
	var lastUsed sql.NullString
	if f.LastUsed != nil {
		lastUsed = sql.NullString{String: formatTime(*f.LastUsed), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `UPDATE facilitators SET name = ?, wallet_address = ?, payment_recipient = ?,
		encrypted_private_key = ?, status = ?, total_payments = ?, last_used = ?, registration_tx_hash = ?
		WHERE id = ?`,
		f.Name, f.FacilitatorWalletAddress, f.PaymentRecipient, f.EncryptedPrivateKey, string(f.Status),
		f.TotalPayments, lastUsed, f.RegistrationTxHash, f.ID)
	if err != nil {
		return classify(err, "update facilitator")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return registry.NotFound(f.ID)
	}
	return nil
}

func (s *FacilitatorStore) query(ctx context.Context, op, q string, args ...interface{}) ([]registry.Facilitator, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err, op)
	}
	defer rows.Close()

	out := []registry.Facilitator{}
	for rows.Next() {
		f, err := scanFacilitator(rows)
		if err != nil {
			return nil, classify(err, op)
		}
		out = append(out, *f)
	}
	return out, classify(rows.Err(), op)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanFacilitator(row scanner) (*registry.Facilitator, error) {
	var (
		f         registry.Facilitator
		status    string
		lastUsed  sql.NullString
		createdAt string
	)
	if err := row.Scan(&f.ID, &f.Name, &f.OwnerAddress, &f.FacilitatorWalletAddress, &f.PaymentRecipient,
		&f.EncryptedPrivateKey, &status, &f.TotalPayments, &lastUsed, &createdAt, &f.RegistrationTxHash); err != nil {
		return nil, err
	}
	f.Status = registry.Status(status)
	created, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	f.CreatedAt = created
	if lastUsed.Valid {
		t, err := parseTime(lastUsed.String)
		if err != nil {
			return nil, err
		}
		f.LastUsed = &t
	}
	return &f, nil
}

var _ registry.Store = (*FacilitatorStore)(nil)

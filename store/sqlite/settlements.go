package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
	"github.com/XavierOP877/x402-avalanche--sub001/settlement"
)

// SettlementStore implements settlement.RecordStore.
type SettlementStore struct {
	db *sql.DB
}

const settlementColumns = `tx_hash, facilitator_id, amount, asset, network, payer, nonce, status,
	block_number, error_reason, timestamp, updated_at, submitted_block`

func (s *SettlementStore) Insert(ctx context.Context, rec x402.SettlementRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO settlements (`+settlementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		strings.ToLower(rec.TxHash), rec.FacilitatorID, rec.Amount, rec.Asset, string(rec.Network), rec.Payer,
		rec.Nonce, string(rec.Status), blockNumber(rec.BlockNumber), rec.ErrorReason,
		formatTime(rec.Timestamp), formatTime(rec.UpdatedAt), int64(rec.SubmittedBlock))
	if isUnique(err) {
		return x402.NewPreconditionFailed("record_exists", "settlement "+rec.TxHash+" already recorded")
	}
	return classify(err, "insert settlement")
}

func (s *SettlementStore) Update(ctx context.Context, rec x402.SettlementRecord) error {
	res, err := s.db.ExecContext(ctx, `UPDATE settlements SET status = ?, block_number = ?, error_reason = ?,
		updated_at = ? WHERE tx_hash = ?`,
		string(rec.Status), blockNumber(rec.BlockNumber), rec.ErrorReason, formatTime(rec.UpdatedAt),
		strings.ToLower(rec.TxHash))
	if err != nil {
		return classify(err, "update settlement")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return settlement.RecordNotFound(rec.TxHash)
	}
	return nil
}

func (s *SettlementStore) Get(ctx context.Context, txHash string) (*x402.SettlementRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE tx_hash = ?`,
		strings.ToLower(txHash))
	rec, err := scanSettlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, settlement.RecordNotFound(txHash)
	}
	if err != nil {
		return nil, classify(err, "get settlement")
	}
	return rec, nil
}

func (s *SettlementStore) ListPending(ctx context.Context) ([]x402.SettlementRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE status = ? ORDER BY seq`,
		string(x402.SettlementPending))
	if err != nil {
		return nil, classify(err, "list pending settlements")
	}
	defer rows.Close()

	out := []x402.SettlementRecord{}
	for rows.Next() {
		rec, err := scanSettlement(rows)
		if err != nil {
			return nil, classify(err, "list pending settlements")
		}
		out = append(out, *rec)
	}
	return out, classify(rows.Err(), "list pending settlements")
}

func scanSettlement(row scanner) (*x402.SettlementRecord, error) {
	var (
		rec            x402.SettlementRecord
		network        string
		status         string
		block          sql.NullInt64
		ts, updatedAt  string
		submittedBlock int64
	)
	if err := row.Scan(&rec.TxHash, &rec.FacilitatorID, &rec.Amount, &rec.Asset, &network, &rec.Payer, &rec.Nonce,
		&status, &block, &rec.ErrorReason, &ts, &updatedAt, &submittedBlock); err != nil {
		return nil, err
	}
	rec.Network = x402.Network(network)
	rec.Status = x402.SettlementStatus(status)
	rec.SubmittedBlock = uint64(submittedBlock)
	if block.Valid {
		n := uint64(block.Int64)
		rec.BlockNumber = &n
	}
	var err error
	if rec.Timestamp, err = parseTime(ts); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func blockNumber(n *uint64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

// NonceStore implements settlement.NonceStore.
type NonceStore struct {
	db *sql.DB
}

func (s *NonceStore) Reserve(ctx context.Context, k settlement.NonceKey) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO nonces (payer, asset, nonce, state) VALUES (?, ?, ?, ?)`,
		k.From, k.Asset, k.Nonce, string(settlement.NonceReserved))
	if err != nil {
		return false, classify(err, "reserve nonce")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(err, "reserve nonce")
	}
	return n == 1, nil
}

func (s *NonceStore) Consume(ctx context.Context, k settlement.NonceKey) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO nonces (payer, asset, nonce, state) VALUES (?, ?, ?, ?)
		ON CONFLICT (payer, asset, nonce) DO UPDATE SET state = excluded.state`,
		k.From, k.Asset, k.Nonce, string(settlement.NonceConsumed))
	return classify(err, "consume nonce")
}

func (s *NonceStore) Release(ctx context.Context, k settlement.NonceKey) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM nonces WHERE payer = ? AND asset = ? AND nonce = ? AND state = ?`,
		k.From, k.Asset, k.Nonce, string(settlement.NonceReserved))
	return classify(err, "release nonce")
}

func (s *NonceStore) State(ctx context.Context, k settlement.NonceKey) (settlement.NonceState, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM nonces WHERE payer = ? AND asset = ? AND nonce = ?`,
		k.From, k.Asset, k.Nonce).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.NonceFree, nil
	}
	if err != nil {
		return settlement.NonceFree, classify(err, "read nonce")
	}
	return settlement.NonceState(state), nil
}

var (
	_ settlement.RecordStore = (*SettlementStore)(nil)
	_ settlement.NonceStore  = (*NonceStore)(nil)
)

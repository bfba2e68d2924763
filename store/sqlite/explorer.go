package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/XavierOP877/x402-avalanche--sub001/explorer"
)

// ExplorerStore implements explorer.Store. Ids come from AUTOINCREMENT, so
// they increase monotonically and are never reused.
type ExplorerStore struct {
	db *sql.DB
}

func (s *ExplorerStore) Append(ctx context.Context, e explorer.Entry) (explorer.Entry, error) {
	var payload sql.NullString
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return explorer.Entry{}, fmt.Errorf("encode payload: %w", err)
		}
		payload = sql.NullString{String: string(raw), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO explorer_entries
		(event_type, facilitator_id, tx_hash, tx_hash_key, status, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(e.EventType), e.FacilitatorID, e.TxHash, strings.ToLower(e.TxHash), e.Status, payload, formatTime(e.Timestamp))
	if err != nil {
		return explorer.Entry{}, classify(err, "append explorer entry")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return explorer.Entry{}, classify(err, "append explorer entry")
	}
	e.ID = id
	return e, nil
}

func (s *ExplorerStore) Query(ctx context.Context, f explorer.Filter) ([]explorer.Entry, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(f.EventType))
	}
	if f.FacilitatorID != "" {
		where = append(where, "facilitator_id = ?")
		args = append(args, f.FacilitatorID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.TxHash != "" {
		where = append(where, "tx_hash_key = ?")
		args = append(args, strings.ToLower(f.TxHash))
	}

	q := `SELECT id, event_type, facilitator_id, tx_hash, status, payload, timestamp FROM explorer_entries`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err, "query explorer")
	}
	defer rows.Close()

	out := []explorer.Entry{}
	for rows.Next() {
		var (
			e         explorer.Entry
			eventType string
			payload   sql.NullString
			ts        string
		)
		if err := rows.Scan(&e.ID, &eventType, &e.FacilitatorID, &e.TxHash, &e.Status, &payload, &ts); err != nil {
			return nil, classify(err, "query explorer")
		}
		e.EventType = explorer.EventType(eventType)
		if payload.Valid {
			if e.Payload, err = explorer.DecodePayload([]byte(payload.String)); err != nil {
				return nil, fmt.Errorf("decode payload of entry %d: %w", e.ID, err)
			}
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("decode timestamp of entry %d: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, classify(rows.Err(), "query explorer")
}

var _ explorer.Store = (*ExplorerStore)(nil)

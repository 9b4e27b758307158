package db

import "time"

// CostRecord is one append-only ledger row for a provider call.
type CostRecord struct {
	Model        string
	Provider     string
	SessionID    string
	InputTokens  int
	OutputTokens int
	Cost         float64
	Timestamp    time.Time
}

// RecordCost appends to the cost ledger.
func (s *Store) RecordCost(r CostRecord) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO cost_ledger (model, provider, session_id, input_tokens, output_tokens, cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Model, r.Provider, r.SessionID, r.InputTokens, r.OutputTokens, r.Cost,
		r.Timestamp.UnixMilli())
	return err
}

// SpendSince sums ledger cost from a point in time. Used to seed the
// router's day and month running totals at startup.
func (s *Store) SpendSince(since time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(cost), 0) FROM cost_ledger WHERE created_at >= ?`,
		since.UnixMilli()).Scan(&total)
	return total, err
}

// CostEntryCount returns the number of ledger rows, optionally scoped to
// one session.
func (s *Store) CostEntryCount(sessionID string) (int, error) {
	var n int
	var err error
	if sessionID == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM cost_ledger`).Scan(&n)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM cost_ledger WHERE session_id = ?`, sessionID).Scan(&n)
	}
	return n, err
}

package store

import "time"

// PollResult is one recorded exchange with a node.
type PollResult struct {
	ID       int64     `json:"id"`
	NodeID   string    `json:"node_id"`
	Forced   bool      `json:"forced"`
	ReplyID  int64     `json:"reply_id"`
	Outcome  string    `json:"outcome"`
	Value    int       `json:"value"`
	Reason   string    `json:"reason,omitempty"`
	PolledAt time.Time `json:"polled_at"`
}

func (db *DB) InsertPollResult(r *PollResult) error {
	res, err := db.Exec(`INSERT INTO poll_results (node_id, forced, reply_id, outcome, value, reason, polled_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.NodeID, r.Forced, r.ReplyID, r.Outcome, r.Value, r.Reason, formatTime(r.PolledAt))
	if err != nil {
		return err
	}
	r.ID, err = res.LastInsertId()
	return err
}

// ListPollResults returns the most recent results for a node, newest first.
func (db *DB) ListPollResults(nodeID string, limit int) ([]PollResult, error) {
	rows, err := db.Query(`
		SELECT id, node_id, forced, reply_id, outcome, value, reason, polled_at
		FROM poll_results
		WHERE node_id = ?
		ORDER BY polled_at DESC, id DESC
		LIMIT ?`, nodeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []PollResult
	for rows.Next() {
		var r PollResult
		var polledAt string
		if err := rows.Scan(&r.ID, &r.NodeID, &r.Forced, &r.ReplyID, &r.Outcome, &r.Value, &r.Reason, &polledAt); err != nil {
			return nil, err
		}
		r.PolledAt = scanTime(polledAt)
		results = append(results, r)
	}
	return results, rows.Err()
}

// PurgePollResults removes results recorded before cutoff.
func (db *DB) PurgePollResults(cutoff time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM poll_results WHERE polled_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

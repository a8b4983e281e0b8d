package store

import (
	"database/sql"
	"time"
)

// Node is a sensor node the gateway has learned about.
type Node struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Source    string    `json:"source"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// UpsertNode records a node sighting. An empty address keeps the stored one.
// It reports whether the node was new.
func (db *DB) UpsertNode(id, address, source string, at time.Time) (bool, error) {
	var exists int
	err := db.QueryRow(`SELECT COUNT(*) FROM nodes WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return false, err
	}
	ts := formatTime(at)
	if exists == 0 {
		_, err = db.Exec(`INSERT INTO nodes (id, address, source, first_seen, last_seen) VALUES (?, ?, ?, ?, ?)`,
			id, address, source, ts, ts)
		return err == nil, err
	}
	_, err = db.Exec(`UPDATE nodes SET address = CASE WHEN ? = '' THEN address ELSE ? END, last_seen = ? WHERE id = ?`,
		address, address, ts, id)
	return false, err
}

func (db *DB) GetNode(id string) (*Node, error) {
	n := &Node{}
	var first, last string
	err := db.QueryRow(`SELECT id, address, source, first_seen, last_seen FROM nodes WHERE id = ?`, id).
		Scan(&n.ID, &n.Address, &n.Source, &first, &last)
	if err != nil {
		return nil, err
	}
	n.FirstSeen = scanTime(first)
	n.LastSeen = scanTime(last)
	return n, nil
}

func (db *DB) ListNodes() ([]Node, error) {
	rows, err := db.Query(`SELECT id, address, source, first_seen, last_seen FROM nodes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

func (db *DB) DeleteNode(id string) error {
	_, err := db.Exec(`DELETE FROM nodes WHERE id = ?`, id)
	return err
}

func scanNodes(rows *sql.Rows) ([]Node, error) {
	var nodes []Node
	for rows.Next() {
		var n Node
		var first, last string
		if err := rows.Scan(&n.ID, &n.Address, &n.Source, &first, &last); err != nil {
			return nil, err
		}
		n.FirstSeen = scanTime(first)
		n.LastSeen = scanTime(last)
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

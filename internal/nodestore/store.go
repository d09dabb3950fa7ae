package nodestore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a node UUID has no record.
var ErrNotFound = errors.New("node not found")

// Store keeps node records in SQLite and hands out per-node locks.
type Store struct {
	db    *sql.DB
	log   zerolog.Logger
	locks *lockRegistry
}

func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open node db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	s := &Store{
		db:    db,
		log:   log.With().Str("component", "nodestore").Logger(),
		locks: newLockRegistry(),
	}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS nodes (
		uuid TEXT PRIMARY KEY,
		mac TEXT NOT NULL DEFAULT '',
		provision_state TEXT NOT NULL,
		power_state TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		deploy_key TEXT NOT NULL DEFAULT '',
		instance_info TEXT NOT NULL DEFAULT '{}',
		driver_info TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create nodes table: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Create inserts a new node record.
func (s *Store) Create(n *Node) error {
	now := time.Now()
	n.CreatedAt = now
	n.UpdatedAt = now
	instance, err := json.Marshal(n.Instance)
	if err != nil {
		return fmt.Errorf("encode instance info: %w", err)
	}
	driver, err := json.Marshal(n.Driver)
	if err != nil {
		return fmt.Errorf("encode driver info: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO nodes
		(uuid, mac, provision_state, power_state, last_error, deploy_key,
		 instance_info, driver_info, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.UUID, n.MAC, string(n.ProvisionState), string(n.PowerState),
		n.LastError, n.DeployKey, string(instance), string(driver),
		now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("insert node %s: %w", n.UUID, err)
	}
	return nil
}

// Get loads one node by UUID.
func (s *Store) Get(uuid string) (*Node, error) {
	row := s.db.QueryRow(`SELECT uuid, mac, provision_state, power_state,
		last_error, deploy_key, instance_info, driver_info, created_at, updated_at
		FROM nodes WHERE uuid = ?`, uuid)
	var n Node
	var state, power, instance, driver string
	var created, updated int64
	err := row.Scan(&n.UUID, &n.MAC, &state, &power, &n.LastError,
		&n.DeployKey, &instance, &driver, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load node %s: %w", uuid, err)
	}
	n.ProvisionState = ProvisionState(state)
	n.PowerState = PowerState(power)
	if err := json.Unmarshal([]byte(instance), &n.Instance); err != nil {
		return nil, fmt.Errorf("decode instance info for %s: %w", uuid, err)
	}
	if err := json.Unmarshal([]byte(driver), &n.Driver); err != nil {
		return nil, fmt.Errorf("decode driver info for %s: %w", uuid, err)
	}
	n.CreatedAt = time.Unix(created, 0)
	n.UpdatedAt = time.Unix(updated, 0)
	return &n, nil
}

// Save persists the mutable fields of a node record.
func (s *Store) Save(n *Node) error {
	n.UpdatedAt = time.Now()
	instance, err := json.Marshal(n.Instance)
	if err != nil {
		return fmt.Errorf("encode instance info: %w", err)
	}
	driver, err := json.Marshal(n.Driver)
	if err != nil {
		return fmt.Errorf("encode driver info: %w", err)
	}
	res, err := s.db.Exec(`UPDATE nodes SET mac = ?, provision_state = ?,
		power_state = ?, last_error = ?, deploy_key = ?, instance_info = ?,
		driver_info = ?, updated_at = ? WHERE uuid = ?`,
		n.MAC, string(n.ProvisionState), string(n.PowerState), n.LastError,
		n.DeployKey, string(instance), string(driver), n.UpdatedAt.Unix(), n.UUID)
	if err != nil {
		return fmt.Errorf("update node %s: %w", n.UUID, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a node record.
func (s *Store) Delete(uuid string) error {
	_, err := s.db.Exec(`DELETE FROM nodes WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("delete node %s: %w", uuid, err)
	}
	return nil
}

// List returns all node UUIDs.
func (s *Store) List() ([]string, error) {
	rows, err := s.db.Query(`SELECT uuid FROM nodes ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var uuid string
		if err := rows.Scan(&uuid); err != nil {
			return nil, err
		}
		out = append(out, uuid)
	}
	return out, rows.Err()
}

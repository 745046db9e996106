package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/driftline/ensemble-relay/internal/protocol"
)

// SQLite is the durable Store. When several relay instances share one
// database file, each sees peers registered by the others and can mailbox
// messages for them. WAL mode allows concurrent access across processes.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (or creates) the shared relay database.
//
// Transactions begin with BEGIN IMMEDIATE. Under WAL a deferred transaction
// that reads first and upgrades to write later fails with SQLITE_BUSY when
// another writer committed in between; taking the write lock up front makes
// concurrent lease acquires queue on busy_timeout instead.
func OpenSQLite(path string) (*SQLite, error) {
	// The pragmas ride on the DSN so every pooled connection gets them;
	// busy_timeout applied with Exec would only cover one connection.
	dsn := "file:" + path + "?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS peers (
			peer_id     TEXT PRIMARY KEY,
			role        TEXT NOT NULL,
			instance_id TEXT NOT NULL DEFAULT '',
			last_seen   INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS mailbox (
			entry_id     TEXT PRIMARY KEY,
			recipient_id TEXT NOT NULL,
			payload      BLOB NOT NULL,
			expires_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS mailbox_recipient ON mailbox (recipient_id, entry_id)`,
		`CREATE TABLE IF NOT EXISTS controller_lease (
			slot                 INTEGER PRIMARY KEY CHECK (slot = 1),
			user_id              TEXT NOT NULL,
			controller_client_id TEXT NOT NULL,
			acquired_at          INTEGER NOT NULL
		)`,
	} {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) UpsertPeer(rec PeerRecord) error {
	_, err := s.db.Exec(`INSERT INTO peers (peer_id, role, instance_id, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			role=excluded.role,
			instance_id=excluded.instance_id,
			last_seen=excluded.last_seen`,
		rec.ID, string(rec.Role), rec.InstanceID, rec.LastSeen.UnixMilli())
	return err
}

func (s *SQLite) TouchPeer(id string, lastSeen time.Time) error {
	_, err := s.db.Exec(`UPDATE peers SET last_seen = ? WHERE peer_id = ?`,
		lastSeen.UnixMilli(), id)
	return err
}

func (s *SQLite) DeletePeer(id string) error {
	_, err := s.db.Exec(`DELETE FROM peers WHERE peer_id = ?`, id)
	return err
}

func (s *SQLite) Peers() ([]PeerRecord, error) {
	rows, err := s.db.Query(`SELECT peer_id, role, instance_id, last_seen FROM peers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PeerRecord
	for rows.Next() {
		var rec PeerRecord
		var role string
		var lastSeen int64
		if err := rows.Scan(&rec.ID, &role, &rec.InstanceID, &lastSeen); err != nil {
			return nil, err
		}
		rec.Role = protocol.Role(role)
		rec.LastSeen = time.UnixMilli(lastSeen)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteStalePeers(olderThan time.Time) error {
	_, err := s.db.Exec(`DELETE FROM peers WHERE last_seen < ?`, olderThan.UnixMilli())
	return err
}

func (s *SQLite) Enqueue(entry MailboxEntry) error {
	_, err := s.db.Exec(`INSERT INTO mailbox (entry_id, recipient_id, payload, expires_at)
		VALUES (?, ?, ?, ?)`,
		entry.EntryID, entry.RecipientID, entry.Payload, entry.ExpiresAt.UnixMilli())
	return err
}

func (s *SQLite) Pending(recipientID string, now time.Time) ([]MailboxEntry, error) {
	rows, err := s.db.Query(`SELECT entry_id, payload, expires_at FROM mailbox
		WHERE recipient_id = ? AND expires_at > ?
		ORDER BY entry_id`,
		recipientID, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MailboxEntry
	for rows.Next() {
		entry := MailboxEntry{RecipientID: recipientID}
		var expiresAt int64
		if err := rows.Scan(&entry.EntryID, &entry.Payload, &expiresAt); err != nil {
			return nil, err
		}
		entry.ExpiresAt = time.UnixMilli(expiresAt)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteEntry(entryID string) error {
	_, err := s.db.Exec(`DELETE FROM mailbox WHERE entry_id = ?`, entryID)
	return err
}

func (s *SQLite) DeleteExpired(now time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM mailbox WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLite) Lease() (*LeaseRecord, error) {
	return scanLease(s.db.QueryRow(
		`SELECT user_id, controller_client_id, acquired_at FROM controller_lease WHERE slot = 1`))
}

// AcquireLease runs the read-check-write sequence inside one immediate
// transaction, so the loser of a concurrent acquire blocks until the winner
// commits and then reads the winner as the holder.
func (s *SQLite) AcquireLease(rec LeaseRecord, force bool) (*LeaseRecord, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	prev, err := scanLease(tx.QueryRow(
		`SELECT user_id, controller_client_id, acquired_at FROM controller_lease WHERE slot = 1`))
	if err != nil {
		return nil, false, err
	}

	if prev != nil && prev.ControllerClientID != rec.ControllerClientID && !force {
		return prev, false, nil
	}

	if _, err := tx.Exec(`INSERT INTO controller_lease (slot, user_id, controller_client_id, acquired_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			user_id=excluded.user_id,
			controller_client_id=excluded.controller_client_id,
			acquired_at=excluded.acquired_at`,
		rec.UserID, rec.ControllerClientID, rec.AcquiredAt.UnixMilli()); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return prev, true, nil
}

func (s *SQLite) ReleaseLease(controllerClientID string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM controller_lease WHERE slot = 1 AND controller_client_id = ?`,
		controllerClientID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func scanLease(row *sql.Row) (*LeaseRecord, error) {
	var rec LeaseRecord
	var acquiredAt int64
	err := row.Scan(&rec.UserID, &rec.ControllerClientID, &acquiredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.AcquiredAt = time.UnixMilli(acquiredAt)
	return &rec, nil
}

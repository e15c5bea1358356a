// Package session – store.go implements the SQLite-backed session store.
// Authentication material lives in whatsmeow's own tables (whatsmeow_*); a
// small routing table maps gateway client identities to device JIDs so that
// several independent clients can share one database file.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the session store.
)

const createRoutingTable = `
CREATE TABLE IF NOT EXISTS wappgate_clients (
	client_id TEXT PRIMARY KEY,
	device_jid TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// SQLStore is the Store implementation shared by every client identity in the
// process. It owns the whatsmeow sqlstore container plus the routing table.
type SQLStore struct {
	db        *sql.DB
	container *sqlstore.Container
	logger    *slog.Logger

	mu sync.Mutex
}

// OpenSQLStore opens (or creates) the session database at path.
func OpenSQLStore(ctx context.Context, path string, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", path)

	container, err := sqlstore.New(ctx, "sqlite3", dsn, waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("creating session store: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening routing database: %w", err)
	}
	if _, err := db.ExecContext(ctx, createRoutingTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating routing table: %w", err)
	}

	return &SQLStore{
		db:        db,
		container: container,
		logger:    logger.With("component", "session-store"),
	}, nil
}

// Exists reports whether clientID has a linked device with stored credentials.
func (s *SQLStore) Exists(ctx context.Context, clientID string) (bool, error) {
	jid, err := s.deviceJID(ctx, clientID)
	if err != nil {
		return false, err
	}
	return jid != "", nil
}

// List returns every client identity registered in the routing table that
// still has a linked device.
func (s *SQLStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT client_id FROM wappgate_clients WHERE device_jid != '' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning client row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes the persisted auth material and routing entry for clientID.
// The device row is deleted first; if that fails the routing entry is still
// dropped so a fresh QR pairing can proceed, and the orphaned whatsmeow rows
// are left for the maintenance sweep.
func (s *SQLStore) Delete(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jid, err := s.deviceJID(ctx, clientID)
	if err != nil {
		return err
	}

	if jid != "" {
		device, derr := s.deviceByJID(ctx, jid)
		if derr == nil && device != nil {
			if derr = device.Delete(ctx); derr != nil {
				s.logger.Warn("device delete failed, dropping routing entry anyway",
					"client_id", clientID, "error", derr)
			}
		}
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM wappgate_clients WHERE client_id = ?`, clientID); err != nil {
		return fmt.Errorf("deleting routing entry: %w", err)
	}
	return nil
}

// Close releases the database handles.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// BindDevice records the device JID a client identity paired with. Called by
// the whatsmeow session once pairing succeeds.
func (s *SQLStore) BindDevice(ctx context.Context, clientID string, jid types.JID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wappgate_clients (client_id, device_jid) VALUES (?, ?)
		 ON CONFLICT(client_id) DO UPDATE SET device_jid = excluded.device_jid`,
		clientID, jid.String())
	if err != nil {
		return fmt.Errorf("binding device: %w", err)
	}
	return nil
}

// Register inserts an unlinked routing entry so the identity is known before
// its first pairing completes.
func (s *SQLStore) Register(ctx context.Context, clientID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO wappgate_clients (client_id) VALUES (?)`, clientID)
	if err != nil {
		return fmt.Errorf("registering client: %w", err)
	}
	return nil
}

// SweepOrphans deletes whatsmeow devices that no routing entry points at.
// Run periodically by the gateway's maintenance scheduler.
func (s *SQLStore) SweepOrphans(ctx context.Context) (int, error) {
	devices, err := s.container.GetAllDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("enumerating devices: %w", err)
	}

	bound := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_jid FROM wappgate_clients WHERE device_jid != ''`)
	if err != nil {
		return 0, fmt.Errorf("listing bound devices: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var jid string
		if err := rows.Scan(&jid); err != nil {
			return 0, err
		}
		bound[jid] = true
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	removed := 0
	for _, device := range devices {
		if device.ID == nil || bound[device.ID.String()] {
			continue
		}
		if err := device.Delete(ctx); err != nil {
			s.logger.Warn("orphan device delete failed", "jid", device.ID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// deviceJID reads the routing entry for clientID. Empty string means the
// identity is registered but not yet paired.
func (s *SQLStore) deviceJID(ctx context.Context, clientID string) (string, error) {
	var jid string
	err := s.db.QueryRowContext(ctx,
		`SELECT device_jid FROM wappgate_clients WHERE client_id = ?`, clientID).Scan(&jid)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading routing entry: %w", err)
	}
	return jid, nil
}

// deviceByJID finds the whatsmeow device for a stored JID.
func (s *SQLStore) deviceByJID(ctx context.Context, jid string) (*store.Device, error) {
	parsed, err := types.ParseJID(jid)
	if err != nil {
		return nil, fmt.Errorf("parsing stored JID %q: %w", jid, err)
	}
	return s.container.GetDevice(ctx, parsed)
}

// deviceForClient returns the linked device for clientID, or a fresh device
// when the identity is unpaired. Used by the whatsmeow session factory.
func (s *SQLStore) deviceForClient(ctx context.Context, clientID string) (*store.Device, error) {
	jid, err := s.deviceJID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if jid == "" {
		return s.container.NewDevice(), nil
	}
	device, err := s.deviceByJID(ctx, jid)
	if err != nil || device == nil {
		// Stored JID no longer resolves to a device; fall back to pairing.
		s.logger.Warn("stored device missing, starting fresh pairing",
			"client_id", clientID, "jid", jid)
		return s.container.NewDevice(), nil
	}
	return device, nil
}

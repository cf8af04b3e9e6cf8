// ABOUTME: SQLite persistence for hypervisor hosts
// ABOUTME: Host metadata drives channel creation in the agent manager

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const hostColumns = `id, uuid, name, address, hypervisor, secret_hash, status, last_seen, created_at`

// CreateHost inserts a host. A non-zero ID is kept as given.
func (s *SQLiteStore) CreateHost(ctx context.Context, host *Host) error {
	if host.UUID == "" {
		host.UUID = uuid.New().String()
	}
	if host.Status == "" {
		host.Status = HostDisconnected
	}
	if host.CreatedAt.IsZero() {
		host.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO hosts (id, uuid, name, address, hypervisor, secret_hash, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		nullID(host.ID),
		host.UUID,
		host.Name,
		host.Address,
		host.Hypervisor,
		host.SecretHash,
		string(host.Status),
		formatTime(host.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting host: %w", err)
	}
	if host.ID == 0 {
		if host.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("reading host id: %w", err)
		}
	}

	s.logger.Debug("created host", "id", host.ID, "name", host.Name, "hypervisor", host.Hypervisor)
	return nil
}

// GetHost retrieves a host by ID.
// Returns ErrNotFound if the host doesn't exist.
func (s *SQLiteStore) GetHost(ctx context.Context, id int64) (*Host, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE id = ?`, id)
	return s.scanHostRow(row)
}

// GetHostByName retrieves a host by its unique name.
func (s *SQLiteStore) GetHostByName(ctx context.Context, name string) (*Host, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE name = ?`, name)
	return s.scanHostRow(row)
}

func (s *SQLiteStore) scanHostRow(row *sql.Row) (*Host, error) {
	h, err := scanHost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying host: %w", err)
	}
	return h, nil
}

// ListHosts returns every host ordered by ID.
func (s *SQLiteStore) ListHosts(ctx context.Context) ([]*Host, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+hostColumns+` FROM hosts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying hosts: %w", err)
	}
	defer rows.Close()

	var hosts []*Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning host row: %w", err)
		}
		hosts = append(hosts, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating host rows: %w", err)
	}
	return hosts, nil
}

// UpdateHostStatus records a connectivity transition and bumps last_seen.
func (s *SQLiteStore) UpdateHostStatus(ctx context.Context, id int64, status HostStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE hosts SET status = ?, last_seen = ? WHERE id = ?
	`, string(status), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating host status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanHost(row rowScanner) (*Host, error) {
	var h Host
	var status, createdAt string
	var lastSeen sql.NullString
	if err := row.Scan(
		&h.ID,
		&h.UUID,
		&h.Name,
		&h.Address,
		&h.Hypervisor,
		&h.SecretHash,
		&status,
		&lastSeen,
		&createdAt,
	); err != nil {
		return nil, err
	}
	h.Status = HostStatus(status)

	var err error
	if h.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if h.LastSeen, err = parseNullTime(lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_seen: %w", err)
	}
	return &h, nil
}

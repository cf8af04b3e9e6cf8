// ABOUTME: SQLite persistence for templates, storage pools, volumes and snapshots
// ABOUTME: Volume and snapshot rows are allocated before their creation job runs

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateTemplate inserts a template. A non-zero ID is kept as given.
func (s *SQLiteStore) CreateTemplate(ctx context.Context, tmpl *Template) error {
	if tmpl.UUID == "" {
		tmpl.UUID = uuid.New().String()
	}
	if tmpl.CreatedAt.IsZero() {
		tmpl.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO templates (id, uuid, name, size_gb, created_at) VALUES (?, ?, ?, ?, ?)
	`, nullID(tmpl.ID), tmpl.UUID, tmpl.Name, tmpl.SizeGB, formatTime(tmpl.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting template: %w", err)
	}
	if tmpl.ID == 0 {
		if tmpl.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("reading template id: %w", err)
		}
	}
	return nil
}

// GetTemplate retrieves a template by ID.
func (s *SQLiteStore) GetTemplate(ctx context.Context, id int64) (*Template, error) {
	var t Template
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, uuid, name, size_gb, created_at FROM templates WHERE id = ?
	`, id).Scan(&t.ID, &t.UUID, &t.Name, &t.SizeGB, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying template: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &t, nil
}

// CreateStoragePool inserts a storage pool. A non-zero ID is kept as given.
func (s *SQLiteStore) CreateStoragePool(ctx context.Context, pool *StoragePool) error {
	if pool.UUID == "" {
		pool.UUID = uuid.New().String()
	}
	if pool.CreatedAt.IsZero() {
		pool.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO storage_pools (id, uuid, name, host_id, capacity_gb, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, nullID(pool.ID), pool.UUID, pool.Name, pool.HostID, pool.CapacityGB, formatTime(pool.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting storage pool: %w", err)
	}
	if pool.ID == 0 {
		if pool.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("reading storage pool id: %w", err)
		}
	}
	return nil
}

// GetStoragePool retrieves a storage pool by ID.
func (s *SQLiteStore) GetStoragePool(ctx context.Context, id int64) (*StoragePool, error) {
	var p StoragePool
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, uuid, name, host_id, capacity_gb, created_at FROM storage_pools WHERE id = ?
	`, id).Scan(&p.ID, &p.UUID, &p.Name, &p.HostID, &p.CapacityGB, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying storage pool: %w", err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &p, nil
}

const volumeColumns = `id, uuid, name, account_id, template_id, pool_id, host_id, size_gb, state, path, created_at, updated_at`

// CreateVolume inserts a volume row and assigns its ID and UUID.
func (s *SQLiteStore) CreateVolume(ctx context.Context, vol *Volume) error {
	if vol.UUID == "" {
		vol.UUID = uuid.New().String()
	}
	if vol.State == "" {
		vol.State = VolumeAllocated
	}
	now := time.Now().UTC()
	vol.CreatedAt = now
	vol.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO volumes (uuid, name, account_id, template_id, pool_id, host_id, size_gb, state, path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		vol.UUID,
		vol.Name,
		vol.AccountID,
		nullID(vol.TemplateID),
		vol.PoolID,
		vol.HostID,
		vol.SizeGB,
		string(vol.State),
		vol.Path,
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("inserting volume: %w", err)
	}
	if vol.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("reading volume id: %w", err)
	}

	s.logger.Debug("created volume", "id", vol.ID, "uuid", vol.UUID)
	return nil
}

// GetVolume retrieves a volume by ID.
func (s *SQLiteStore) GetVolume(ctx context.Context, id int64) (*Volume, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+volumeColumns+` FROM volumes WHERE id = ?`, id)
	v, err := scanVolume(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying volume: %w", err)
	}
	return v, nil
}

// UpdateVolume writes the mutable volume fields: state, path and size.
func (s *SQLiteStore) UpdateVolume(ctx context.Context, vol *Volume) error {
	vol.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE volumes SET state = ?, path = ?, size_gb = ?, updated_at = ? WHERE id = ?
	`, string(vol.State), vol.Path, vol.SizeGB, formatTime(vol.UpdatedAt), vol.ID)
	if err != nil {
		return fmt.Errorf("updating volume: %w", err)
	}
	return requireRow(res)
}

// DeleteVolume removes a volume row. Used to roll back an allocation whose
// creation job could not be submitted.
func (s *SQLiteStore) DeleteVolume(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM volumes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting volume: %w", err)
	}
	return requireRow(res)
}

// ListVolumes returns an account's volumes. An accountID of zero lists all.
func (s *SQLiteStore) ListVolumes(ctx context.Context, accountID int64) ([]*Volume, error) {
	query := `SELECT ` + volumeColumns + ` FROM volumes`
	var args []any
	if accountID != 0 {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying volumes: %w", err)
	}
	defer rows.Close()

	var vols []*Volume
	for rows.Next() {
		v, err := scanVolume(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning volume row: %w", err)
		}
		vols = append(vols, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating volume rows: %w", err)
	}
	return vols, nil
}

func scanVolume(row rowScanner) (*Volume, error) {
	var v Volume
	var templateID sql.NullInt64
	var state, createdAt, updatedAt string
	if err := row.Scan(
		&v.ID,
		&v.UUID,
		&v.Name,
		&v.AccountID,
		&templateID,
		&v.PoolID,
		&v.HostID,
		&v.SizeGB,
		&state,
		&v.Path,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	v.TemplateID = templateID.Int64
	v.State = VolumeState(state)

	var err error
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if v.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &v, nil
}

const snapshotColumns = `id, uuid, name, account_id, volume_id, host_id, state, path, created_at, updated_at`

// CreateSnapshot inserts a snapshot row and assigns its ID and UUID.
func (s *SQLiteStore) CreateSnapshot(ctx context.Context, snap *Snapshot) error {
	if snap.UUID == "" {
		snap.UUID = uuid.New().String()
	}
	if snap.State == "" {
		snap.State = VolumeAllocated
	}
	now := time.Now().UTC()
	snap.CreatedAt = now
	snap.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (uuid, name, account_id, volume_id, host_id, state, path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		snap.UUID,
		snap.Name,
		snap.AccountID,
		snap.VolumeID,
		snap.HostID,
		string(snap.State),
		snap.Path,
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}
	if snap.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("reading snapshot id: %w", err)
	}
	return nil
}

// GetSnapshot retrieves a snapshot by ID.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, id int64) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}
	return snap, nil
}

// UpdateSnapshot writes the snapshot's state and path.
func (s *SQLiteStore) UpdateSnapshot(ctx context.Context, snap *Snapshot) error {
	snap.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE snapshots SET state = ?, path = ?, updated_at = ? WHERE id = ?
	`, string(snap.State), snap.Path, formatTime(snap.UpdatedAt), snap.ID)
	if err != nil {
		return fmt.Errorf("updating snapshot: %w", err)
	}
	return requireRow(res)
}

// DeleteSnapshot removes a snapshot row.
func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	return requireRow(res)
}

// ListSnapshots returns an account's snapshots. An accountID of zero lists all.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, accountID int64) ([]*Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots`
	var args []any
	if accountID != 0 {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshot rows: %w", err)
	}
	return snaps, nil
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var snap Snapshot
	var state, createdAt, updatedAt string
	if err := row.Scan(
		&snap.ID,
		&snap.UUID,
		&snap.Name,
		&snap.AccountID,
		&snap.VolumeID,
		&snap.HostID,
		&state,
		&snap.Path,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	snap.State = VolumeState(state)

	var err error
	if snap.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if snap.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &snap, nil
}

// requireRow maps an update or delete that touched nothing to ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

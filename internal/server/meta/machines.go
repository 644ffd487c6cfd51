package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	sqlInsertMachine = `INSERT INTO machines (id, name, platform, created_at) VALUES (?, ?, ?, ?)`

	sqlSelectMachine = `SELECT id, name, platform, created_at, last_seen FROM machines WHERE id = ?`

	sqlListMachines = `SELECT id, name, platform, created_at, last_seen FROM machines
		WHERE name != ? ORDER BY created_at, id`

	sqlInsertToken = `INSERT INTO tokens (machine_id, token_hash, created_at) VALUES (?, ?, ?)`

	sqlSelectTokenMachine = `SELECT t.revoked, t.expires_at, m.id, m.name, m.platform, m.created_at, m.last_seen
		FROM tokens t JOIN machines m ON m.id = t.machine_id
		WHERE t.token_hash = ?`

	sqlTouchLastSeen = `UPDATE machines SET last_seen = ? WHERE id = ?`

	sqlInsertInvitation = `INSERT INTO invitations (token_hash, created_at, expires_at) VALUES (?, ?, ?)`

	sqlSelectInvitation = `SELECT id, expires_at, used_at FROM invitations WHERE token_hash = ?`

	sqlUseInvitation = `UPDATE invitations SET used_at = ?, used_by = ? WHERE id = ?`
)

// RegisterMachine creates a machine and its bearer token, consuming
// the single-use invitation. The raw token is returned exactly once
// and never stored.
func (s *Store) RegisterMachine(ctx context.Context, name, platform, invitationToken string) (*Machine, string, error) {
	if name == ServerMachineName {
		return nil, "", fmt.Errorf("%w: %q", ErrReservedName, name)
	}

	rawToken, tokenHash, err := newSecret(tokenPrefix)
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	machine := &Machine{
		ID:        uuid.NewString(),
		Name:      name,
		Platform:  platform,
		CreatedAt: now,
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var (
			invID     int64
			expiresAt string
			usedAt    sql.NullString
		)
		row := tx.QueryRowContext(ctx, sqlSelectInvitation, hashSecret(invitationToken))
		if err := row.Scan(&invID, &expiresAt, &usedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrInvalidInvitation
			}
			return fmt.Errorf("meta: looking up invitation: %w", err)
		}
		if usedAt.Valid {
			return ErrInvalidInvitation
		}
		exp, err := parseTime(expiresAt)
		if err != nil {
			return err
		}
		if now.After(exp) {
			return ErrInvalidInvitation
		}

		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM machines WHERE name = ?`, name).Scan(&count); err != nil {
			return fmt.Errorf("meta: checking machine name: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}

		if _, err := tx.ExecContext(ctx, sqlInsertMachine,
			machine.ID, machine.Name, machine.Platform, formatTime(now)); err != nil {
			return fmt.Errorf("meta: inserting machine: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlUseInvitation,
			formatTime(now), machine.ID, invID); err != nil {
			return fmt.Errorf("meta: consuming invitation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlInsertToken,
			machine.ID, tokenHash, formatTime(now)); err != nil {
			return fmt.Errorf("meta: inserting token: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	s.logger.Info("machine registered",
		"machine_id", machine.ID, "machine_name", machine.Name, "platform", platform)
	return machine, rawToken, nil
}

// ValidateToken resolves a raw bearer token to its machine. Revoked,
// expired and unknown tokens all return ErrInvalidToken.
func (s *Store) ValidateToken(ctx context.Context, raw string) (*Machine, error) {
	var (
		revoked   int
		expiresAt sql.NullString
		m         Machine
		createdAt string
		lastSeen  sql.NullString
	)
	row := s.db.QueryRowContext(ctx, sqlSelectTokenMachine, hashSecret(raw))
	err := row.Scan(&revoked, &expiresAt, &m.ID, &m.Name, &m.Platform, &createdAt, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("meta: looking up token: %w", err)
	}
	if revoked != 0 {
		return nil, ErrInvalidToken
	}
	if expiresAt.Valid {
		exp, err := parseTime(expiresAt.String)
		if err != nil {
			return nil, err
		}
		if time.Now().UTC().After(exp) {
			return nil, ErrInvalidToken
		}
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		t, err := parseTime(lastSeen.String)
		if err != nil {
			return nil, err
		}
		m.LastSeen = &t
	}
	return &m, nil
}

// TouchLastSeen records activity for a machine. Called on every
// authenticated request.
func (s *Store) TouchLastSeen(ctx context.Context, machineID string) error {
	if _, err := s.db.ExecContext(ctx, sqlTouchLastSeen,
		formatTime(time.Now().UTC()), machineID); err != nil {
		return fmt.Errorf("meta: updating last_seen: %w", err)
	}
	return nil
}

// ListMachines returns all registered machines, hiding the reserved
// server machine.
func (s *Store) ListMachines(ctx context.Context) ([]Machine, error) {
	rows, err := s.db.QueryContext(ctx, sqlListMachines, ServerMachineName)
	if err != nil {
		return nil, fmt.Errorf("meta: listing machines: %w", err)
	}
	defer rows.Close()

	machines := []Machine{}
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("meta: listing machines: %w", err)
	}
	return machines, nil
}

// GetMachine returns one machine by id.
func (s *Store) GetMachine(ctx context.Context, id string) (*Machine, error) {
	row := s.db.QueryRowContext(ctx, sqlSelectMachine, id)
	m, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMachineNotFound
	}
	return m, err
}

// DeleteMachine removes a machine and, via cascade, its tokens. Any
// live WebSocket for the machine is the caller's problem; the API
// layer disconnects it. The reserved server machine cannot be
// deleted.
func (s *Store) DeleteMachine(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var name string
		err := tx.QueryRowContext(ctx, `SELECT name FROM machines WHERE id = ?`, id).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMachineNotFound
		}
		if err != nil {
			return fmt.Errorf("meta: looking up machine: %w", err)
		}
		if name == ServerMachineName {
			return ErrServerMachine
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM machines WHERE id = ?`, id); err != nil {
			return fmt.Errorf("meta: deleting machine: %w", err)
		}
		return nil
	})
}

// CreateInvitation mints a single-use registration credential valid
// for ttl. The raw token is returned exactly once.
func (s *Store) CreateInvitation(ctx context.Context, ttl time.Duration) (string, *Invitation, error) {
	raw, hash, err := newSecret("")
	if err != nil {
		return "", nil, err
	}
	now := time.Now().UTC()
	inv := &Invitation{CreatedAt: now, ExpiresAt: now.Add(ttl)}

	res, err := s.db.ExecContext(ctx, sqlInsertInvitation,
		hash, formatTime(inv.CreatedAt), formatTime(inv.ExpiresAt))
	if err != nil {
		return "", nil, fmt.Errorf("meta: inserting invitation: %w", err)
	}
	if inv.ID, err = res.LastInsertId(); err != nil {
		return "", nil, fmt.Errorf("meta: inserting invitation: %w", err)
	}
	return raw, inv, nil
}

// ensureServerMachine lazily materializes the hidden server machine
// and returns its id. Server-originated change log entries are
// attributed to it.
func (s *Store) ensureServerMachine(ctx context.Context, tx *sql.Tx) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM machines WHERE name = ?`, ServerMachineName).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("meta: looking up server machine: %w", err)
	}
	id = uuid.NewString()
	if _, err := tx.ExecContext(ctx, sqlInsertMachine,
		id, ServerMachineName, "server", formatTime(time.Now().UTC())); err != nil {
		return "", fmt.Errorf("meta: creating server machine: %w", err)
	}
	return id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMachine(row rowScanner) (*Machine, error) {
	var (
		m         Machine
		createdAt string
		lastSeen  sql.NullString
	)
	if err := row.Scan(&m.ID, &m.Name, &m.Platform, &createdAt, &lastSeen); err != nil {
		return nil, err
	}
	var err error
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		t, err := parseTime(lastSeen.String)
		if err != nil {
			return nil, err
		}
		m.LastSeen = &t
	}
	return &m, nil
}

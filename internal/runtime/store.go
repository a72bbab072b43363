package runtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stratoline/acm-core/internal/acm"
	"github.com/stratoline/acm-core/internal/infrastructure/database"
)

// Store persists the runtime's view of compositions, instances and
// participants in SQLite. Rows hold JSON documents keyed by id: the
// runtime always reads and writes whole aggregates, so a document column
// keeps the schema stable while the domain types evolve.
type Store struct {
	db *database.DB
}

// NewStore wraps an opened database.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// SaveDefinition upserts a composition definition.
func (s *Store) SaveDefinition(ctx context.Context, def *acm.CompositionDefinition) error {
	return s.upsert(ctx, "definitions", "composition_id", def.CompositionID.String(), def)
}

// Definition loads a composition definition.
func (s *Store) Definition(ctx context.Context, compositionID uuid.UUID) (*acm.CompositionDefinition, error) {
	var def acm.CompositionDefinition
	err := s.load(ctx, "definitions", "composition_id", compositionID.String(), &def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCompositionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// DeleteDefinition removes a composition definition. Idempotent.
func (s *Store) DeleteDefinition(ctx context.Context, compositionID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM definitions WHERE composition_id = ?", compositionID.String())
	if err != nil {
		return fmt.Errorf("deleting definition: %w", err)
	}
	return nil
}

// SaveInstance upserts an instance.
func (s *Store) SaveInstance(ctx context.Context, instance *acm.AutomationComposition) error {
	return s.upsert(ctx, "instances", "instance_id", instance.InstanceID.String(), instance)
}

// Instance loads an instance.
func (s *Store) Instance(ctx context.Context, instanceID uuid.UUID) (*acm.AutomationComposition, error) {
	var instance acm.AutomationComposition
	err := s.load(ctx, "instances", "instance_id", instanceID.String(), &instance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

// Instances loads every stored instance.
func (s *Store) Instances(ctx context.Context) ([]*acm.AutomationComposition, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT document FROM instances")
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []*acm.AutomationComposition
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scanning instance row: %w", err)
		}
		var instance acm.AutomationComposition
		if err := json.Unmarshal(doc, &instance); err != nil {
			return nil, fmt.Errorf("decoding instance document: %w", err)
		}
		out = append(out, &instance)
	}
	return out, rows.Err()
}

// InstancesByComposition loads the instances deployed from a composition.
func (s *Store) InstancesByComposition(ctx context.Context, compositionID uuid.UUID) ([]*acm.AutomationComposition, error) {
	all, err := s.Instances(ctx)
	if err != nil {
		return nil, err
	}
	var out []*acm.AutomationComposition
	for _, instance := range all {
		if instance.CompositionID == compositionID {
			out = append(out, instance)
		}
	}
	return out, nil
}

// DeleteInstance removes an instance. Idempotent.
func (s *Store) DeleteInstance(ctx context.Context, instanceID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM instances WHERE instance_id = ?", instanceID.String())
	if err != nil {
		return fmt.Errorf("deleting instance: %w", err)
	}
	return nil
}

// SaveParticipant upserts a participant record.
func (s *Store) SaveParticipant(ctx context.Context, p *acm.Participant) error {
	return s.upsert(ctx, "participants", "participant_id", p.ParticipantID.String(), p)
}

// Participant loads one participant record.
func (s *Store) Participant(ctx context.Context, participantID uuid.UUID) (*acm.Participant, error) {
	var p acm.Participant
	if err := s.load(ctx, "participants", "participant_id", participantID.String(), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Participants loads every registered participant.
func (s *Store) Participants(ctx context.Context) ([]*acm.Participant, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT document FROM participants")
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []*acm.Participant
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scanning participant row: %w", err)
		}
		var p acm.Participant
		if err := json.Unmarshal(doc, &p); err != nil {
			return nil, fmt.Errorf("decoding participant document: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// DeleteParticipant removes a participant record. Idempotent.
func (s *Store) DeleteParticipant(ctx context.Context, participantID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM participants WHERE participant_id = ?", participantID.String())
	if err != nil {
		return fmt.Errorf("deleting participant: %w", err)
	}
	return nil
}

// AcquireScanLease takes or renews the single-row scan lease. Exactly one
// runtime replica scans at a time in a cluster: the lease is granted when
// free, expired, or already held by the same holder. The compare-and-swap
// runs as a single UPDATE so two replicas cannot both win.
func (s *Store) AcquireScanLease(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().Unix()
	expires := time.Now().Add(ttl).Unix()

	res, err := s.db.ExecContext(ctx, `
		UPDATE scan_lease
		SET holder = ?, expires_at = ?
		WHERE id = 1 AND (holder = '' OR holder = ? OR expires_at < ?)`,
		holder, expires, holder, now)
	if err != nil {
		return false, fmt.Errorf("acquiring scan lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquiring scan lease: %w", err)
	}
	return affected == 1, nil
}

// ReleaseScanLease frees the lease if this holder still owns it.
func (s *Store) ReleaseScanLease(ctx context.Context, holder string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE scan_lease SET holder = '', expires_at = 0 WHERE id = 1 AND holder = ?", holder)
	if err != nil {
		return fmt.Errorf("releasing scan lease: %w", err)
	}
	return nil
}

func (s *Store) upsert(ctx context.Context, table, keyColumn, key string, value any) error {
	doc, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s document: %w", table, err)
	}
	//nolint:gosec // table and column names are compile-time constants
	query := fmt.Sprintf(`
		INSERT INTO %s (%s, document, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(%s) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		table, keyColumn, keyColumn)
	if _, err := s.db.ExecContext(ctx, query, key, doc, time.Now().Unix()); err != nil {
		return fmt.Errorf("saving %s document: %w", table, err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, table, keyColumn, key string, out any) error {
	//nolint:gosec // table and column names are compile-time constants
	query := fmt.Sprintf("SELECT document FROM %s WHERE %s = ?", table, keyColumn)
	var doc []byte
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&doc); err != nil {
		return err
	}
	if err := json.Unmarshal(doc, out); err != nil {
		return fmt.Errorf("decoding %s document: %w", table, err)
	}
	return nil
}

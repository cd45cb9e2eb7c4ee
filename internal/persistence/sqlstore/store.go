package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"postal/internal/envelope"
	"postal/internal/logger"
	"postal/internal/persistence"
	"postal/pkg/metrics"
)

// Store is the shared SQL inbox. Claims are conditional updates on the
// owner and status columns, so several nodes can poll the same tables.
type Store struct {
	db      *sqlx.DB
	dialect dialect
	log     logger.Logger
	now     func() time.Time
}

var _ persistence.Store = (*Store)(nil)

// New picks the dialect from the driver db was opened with: postgres or
// sqlite3.
func New(db *sqlx.DB, log logger.Logger) (*Store, error) {
	var d dialect
	switch db.DriverName() {
	case postgresDialect.driverName:
		d = postgresDialect
	case sqliteDialect.driverName:
		d = sqliteDialect
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", db.DriverName())
	}
	if log == nil {
		log = logger.NopLogger()
	}
	return &Store{db: db, dialect: d, log: log, now: time.Now}, nil
}

// observe is deferred with a pointer to the named error result.
func (s *Store) observe(operation string, start time.Time, err *error) {
	status := "success"
	if *err != nil && !errors.Is(*err, persistence.ErrDuplicate) {
		status = "error"
	}
	metrics.ObservePersistenceDuration(s.dialect.name, operation, status, time.Since(start))
}

const insertIncoming = `INSERT INTO postal_incoming (` + incomingColumns + `)
	VALUES (:id, :status, :owner_id, :destination, :message_type, :attempts, :scheduled_time, :deliver_by, :received_at, :body)`

func (s *Store) StoreIncoming(ctx context.Context, env *envelope.Envelope) (err error) {
	defer s.observe("store_incoming", time.Now(), &err)

	row, err := toIncomingRow(env)
	if err != nil {
		return err
	}
	if _, err = s.db.NamedExecContext(ctx, insertIncoming, row); err != nil {
		return s.insertError(env, err)
	}
	return nil
}

func (s *Store) StoreIncomingBatch(ctx context.Context, envs []*envelope.Envelope) (err error) {
	defer s.observe("store_incoming_batch", time.Now(), &err)

	rows := make([]*incomingRow, 0, len(envs))
	for _, env := range envs {
		row, err := toIncomingRow(env)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for i, row := range rows {
			if _, err := tx.NamedExecContext(ctx, insertIncoming, row); err != nil {
				return s.insertError(envs[i], err)
			}
		}
		return nil
	})
}

func (s *Store) insertError(env *envelope.Envelope, err error) error {
	if s.dialect.isDuplicate(err) {
		return fmt.Errorf("store envelope %s: %w", env.ID, persistence.ErrDuplicate)
	}
	return fmt.Errorf("store envelope %s: %w", env.ID, err)
}

func (s *Store) MarkHandled(ctx context.Context, id uuid.UUID) (err error) {
	defer s.observe("mark_handled", time.Now(), &err)

	query := s.db.Rebind(`UPDATE postal_incoming SET status = ?, handled_at = ?
		WHERE id = ? AND status <> ?`)
	handled := string(envelope.StatusHandled)
	if _, err = s.db.ExecContext(ctx, query, handled, s.now().UTC(), id.String(), handled); err != nil {
		return fmt.Errorf("mark %s handled: %w", id, err)
	}
	return nil
}

func (s *Store) DeleteHandled(ctx context.Context, olderThan time.Time) (deleted int, err error) {
	defer s.observe("delete_handled", time.Now(), &err)

	query := s.db.Rebind(`DELETE FROM postal_incoming WHERE status = ? AND handled_at < ?`)
	res, err := s.db.ExecContext(ctx, query, string(envelope.StatusHandled), olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete handled before %s: %w", olderThan.Format(time.RFC3339), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete handled: %w", err)
	}
	return int(n), nil
}

func (s *Store) IncrementAttempts(ctx context.Context, env *envelope.Envelope) (err error) {
	defer s.observe("increment_attempts", time.Now(), &err)

	query := s.db.Rebind(`UPDATE postal_incoming
		SET attempts = CASE WHEN attempts < ? THEN ? ELSE attempts END
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, env.Attempts, env.Attempts, env.ID.String())
	if err != nil {
		return fmt.Errorf("increment attempts of %s: %w", env.ID, err)
	}
	return expectRow(res, env.ID)
}

func (s *Store) ScheduleExecution(ctx context.Context, env *envelope.Envelope) (err error) {
	defer s.observe("schedule_execution", time.Now(), &err)

	query := s.db.Rebind(`UPDATE postal_incoming
		SET status = ?, owner_id = ?, scheduled_time = ?,
			attempts = CASE WHEN attempts < ? THEN ? ELSE attempts END
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query,
		string(envelope.StatusScheduled), envelope.AnyNode, utc(env.ScheduledTime),
		env.Attempts, env.Attempts, env.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", env.ID, err)
	}
	return expectRow(res, env.ID)
}

func expectRow(res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("envelope %s: %w", id, persistence.ErrNotFound)
	}
	return nil
}

// MoveToDeadLetter is idempotent: a report that already exists is replaced.
func (s *Store) MoveToDeadLetter(ctx context.Context, report *envelope.ErrorReport) (err error) {
	defer s.observe("move_to_dead_letter", time.Now(), &err)

	row := toDeadLetterRow(report)
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM postal_incoming WHERE id = ?`), report.EnvelopeID); err != nil {
			return fmt.Errorf("delete incoming %s: %w", report.EnvelopeID, err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM postal_dead_letters WHERE id = ?`), report.ID); err != nil {
			return fmt.Errorf("delete dead letter %s: %w", report.ID, err)
		}
		_, err := tx.NamedExecContext(ctx, `INSERT INTO postal_dead_letters (`+deadLetterColumns+`)
			VALUES (:id, :envelope_id, :envelope, :message_type, :exception_type, :exception_message, :stack_trace, :endpoint, :attempts, :failed_at)`, row)
		if err != nil {
			return fmt.Errorf("insert dead letter %s: %w", report.ID, err)
		}
		return nil
	})
}

func (s *Store) ReleaseOwnership(ctx context.Context, nodeID int, address string) (err error) {
	defer s.observe("release_ownership", time.Now(), &err)

	query := s.db.Rebind(`UPDATE postal_incoming SET owner_id = ?
		WHERE owner_id = ? AND destination = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, query, envelope.AnyNode, nodeID, address, string(envelope.StatusIncoming))
	if err != nil {
		return fmt.Errorf("release ownership of %s for node %d: %w", address, nodeID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Infow("Released envelope ownership", "endpoint", address, "node_id", nodeID, "count", n)
	}
	return nil
}

func (s *Store) ClaimScheduled(ctx context.Context, id uuid.UUID, nodeID int) (claimed bool, err error) {
	defer s.observe("claim_scheduled", time.Now(), &err)

	query := s.db.Rebind(`UPDATE postal_incoming SET status = ?, owner_id = ?
		WHERE id = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, query,
		string(envelope.StatusIncoming), nodeID, id.String(), string(envelope.StatusScheduled),
	)
	if err != nil {
		return false, fmt.Errorf("claim scheduled %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim scheduled %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *Store) ClaimDueScheduled(ctx context.Context, nodeID int, address string, now time.Time, limit int) (envs []*envelope.Envelope, err error) {
	defer s.observe("claim_due_scheduled", time.Now(), &err)

	selectDue := `SELECT id FROM postal_incoming
		WHERE destination = ? AND status = ? AND (scheduled_time IS NULL OR scheduled_time <= ?)
		ORDER BY scheduled_time
		LIMIT ?` + s.dialect.lockRows
	claim := `UPDATE postal_incoming SET status = ?, owner_id = ?
		WHERE id = ? AND status = ?
		RETURNING ` + incomingColumns

	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		var ids []string
		if err := tx.SelectContext(ctx, &ids, tx.Rebind(selectDue),
			address, string(envelope.StatusScheduled), now.UTC(), limit,
		); err != nil {
			return fmt.Errorf("select due scheduled: %w", err)
		}
		claimed, err := s.claimEach(ctx, tx, ids, tx.Rebind(claim), func(id string) []interface{} {
			return []interface{}{string(envelope.StatusIncoming), nodeID, id, string(envelope.StatusScheduled)}
		})
		envs = claimed
		return err
	})
	if err != nil {
		return nil, err
	}
	return envs, nil
}

func (s *Store) ClaimIncoming(ctx context.Context, nodeID int, address string, limit int) (envs []*envelope.Envelope, err error) {
	defer s.observe("claim_incoming", time.Now(), &err)

	selectFree := `SELECT id FROM postal_incoming
		WHERE destination = ? AND status = ? AND owner_id = ?
		ORDER BY received_at
		LIMIT ?` + s.dialect.lockRows
	claim := `UPDATE postal_incoming SET owner_id = ?
		WHERE id = ? AND status = ? AND owner_id = ?
		RETURNING ` + incomingColumns

	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		var ids []string
		if err := tx.SelectContext(ctx, &ids, tx.Rebind(selectFree),
			address, string(envelope.StatusIncoming), envelope.AnyNode, limit,
		); err != nil {
			return fmt.Errorf("select unowned incoming: %w", err)
		}
		claimed, err := s.claimEach(ctx, tx, ids, tx.Rebind(claim), func(id string) []interface{} {
			return []interface{}{nodeID, id, string(envelope.StatusIncoming), envelope.AnyNode}
		})
		envs = claimed
		return err
	})
	if err != nil {
		return nil, err
	}
	return envs, nil
}

// claimEach runs the conditional claim for every id. Rows another node won
// in between are skipped.
func (s *Store) claimEach(ctx context.Context, tx *sqlx.Tx, ids []string, query string, args func(id string) []interface{}) ([]*envelope.Envelope, error) {
	envs := make([]*envelope.Envelope, 0, len(ids))
	for _, id := range ids {
		var row incomingRow
		err := tx.GetContext(ctx, &row, query, args(id)...)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", id, err)
		}
		env, err := row.envelope()
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

func (s *Store) DeadLetters(ctx context.Context, limit int) (reports []*envelope.ErrorReport, err error) {
	defer s.observe("dead_letters", time.Now(), &err)

	var rows []deadLetterRow
	query := s.db.Rebind(`SELECT ` + deadLetterColumns + ` FROM postal_dead_letters ORDER BY failed_at DESC LIMIT ?`)
	if err = s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	reports = make([]*envelope.ErrorReport, 0, len(rows))
	for i := range rows {
		reports = append(reports, rows[i].report())
	}
	return reports, nil
}

func (s *Store) ReplayDeadLetter(ctx context.Context, id string) (err error) {
	defer s.observe("replay_dead_letter", time.Now(), &err)

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row deadLetterRow
		err := tx.GetContext(ctx, &row, tx.Rebind(`SELECT `+deadLetterColumns+` FROM postal_dead_letters WHERE id = ?`), id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("dead letter %s: %w", id, persistence.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load dead letter %s: %w", id, err)
		}

		env, err := row.report().RestoreEnvelope()
		if err != nil {
			return err
		}
		env.Status = envelope.StatusIncoming
		env.OwnerID = envelope.AnyNode
		env.ScheduledTime = nil

		incoming, err := toIncomingRow(env)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM postal_incoming WHERE id = ?`), incoming.ID); err != nil {
			return fmt.Errorf("clear incoming %s: %w", incoming.ID, err)
		}
		if _, err := tx.NamedExecContext(ctx, insertIncoming, incoming); err != nil {
			return fmt.Errorf("restore envelope %s: %w", incoming.ID, err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM postal_dead_letters WHERE id = ?`), id); err != nil {
			return fmt.Errorf("delete dead letter %s: %w", id, err)
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Warnw("Rollback failed", "store", s.dialect.name, "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

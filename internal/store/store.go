// Package store wraps a single backend relational database as a
// ReplicaStore: a scoped transactional handle supporting the small set
// of parameterized statements the consensus engine needs against one
// table.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/senutpal/kvpaxos/internal/ballot"
)

// ErrTransient wraps any backend I/O or conflict error. The core treats
// every ErrTransient uniformly as "this replica did not respond" for
// the current phase.
var ErrTransient = errors.New("store: transient failure")

// Row is one relation row as read back from a replica.
type Row struct {
	Promised      ballot.Ballot
	PromisedValid bool
	Accepted      ballot.Ballot
	AcceptedValid bool
	Value         []byte
	HasValue      bool
}

// Learned reports whether the row encodes the terminal LEARNED state
// (promised_seq and accepted_seq both NULL, value non-NULL).
func (r Row) Learned() bool {
	return !r.PromisedValid && !r.AcceptedValid && r.HasValue
}

// dialect captures the small amount of SQL that differs between
// backends: placeholder syntax, column types and the insert-if-absent
// statement. Everything else is portable ANSI SQL shared by every driver.
type dialect struct {
	name        string
	placeholder func(n int) string
	createTable string
	upsertRow   string
}

func placeholderQuestion(int) string { return "?" }

func placeholderDollar(n int) string { return fmt.Sprintf("$%d", n) }

func dialectFor(driver, table string) (dialect, error) {
	switch driver {
	case "sqlite":
		return dialect{
			name:        driver,
			placeholder: placeholderQuestion,
			createTable: fmt.Sprintf(`create table if not exists %s (
				key text not null,
				version integer not null,
				promised_seq integer,
				accepted_seq integer,
				value blob,
				primary key (key, version)
			)`, table),
			upsertRow: fmt.Sprintf(`insert or ignore into %s
				(key, version, promised_seq, accepted_seq, value)
				values (?, ?, 0, 0, null)`, table),
		}, nil
	case "postgres":
		return dialect{
			name:        driver,
			placeholder: placeholderDollar,
			createTable: fmt.Sprintf(`create table if not exists %s (
				key text not null,
				version bigint not null,
				promised_seq bigint,
				accepted_seq bigint,
				value bytea,
				primary key (key, version)
			)`, table),
			upsertRow: fmt.Sprintf(`insert into %s
				(key, version, promised_seq, accepted_seq, value)
				values ($1, $2, 0, 0, null)
				on conflict (key, version) do nothing`, table),
		}, nil
	default:
		return dialect{}, fmt.Errorf("store: unsupported driver %q", driver)
	}
}

// driverName maps an endpoint scheme ("sqlite", "postgres")
// to the registered database/sql driver name.
func driverName(driver string) (string, error) {
	switch driver {
	case "sqlite":
		return "sqlite", nil
	case "postgres":
		return "postgres", nil
	default:
		return "", fmt.Errorf("store: unsupported driver %q", driver)
	}
}

// ReplicaStore is a thin shim around one backend. It owns no protocol
// state of its own; every exported method opens and releases its own
// connection/transaction.
type ReplicaStore struct {
	db      *sql.DB
	table   string
	dialect dialect
	log     *zap.Logger
	// Endpoint is the opaque string this store was constructed from,
	// kept for logging and error messages.
	Endpoint string
}

// Open constructs a ReplicaStore over the given driver/DSN pair. It
// does not create the schema; call Bootstrap for that.
func Open(driver, dsn, table string, log *zap.Logger) (*ReplicaStore, error) {
	if table == "" {
		table = "kvlog"
	}
	reg, err := driverName(driver)
	if err != nil {
		return nil, err
	}
	d, err := dialectFor(driver, table)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(reg, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ReplicaStore{
		db:       db,
		table:    table,
		dialect:  d,
		log:      log,
		Endpoint: driver + "://" + dsn,
	}, nil
}

// Close releases the underlying connection pool.
func (s *ReplicaStore) Close() error {
	return s.db.Close()
}

// Bootstrap creates the relation if it is absent. It is idempotent and
// must never alter an existing schema.
func (s *ReplicaStore) Bootstrap(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.createTable); err != nil {
		return s.transient("bootstrap", err)
	}
	return nil
}

func (s *ReplicaStore) transient(op string, err error) error {
	s.log.Warn("replica call failed", zap.String("endpoint", s.Endpoint), zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

func ph(d dialect, n int) string { return d.placeholder(n) }

// EnsureRow inserts a zero-ballot row for (key, version) if one is not
// already present. Uniqueness collisions are ignored.
func (s *ReplicaStore) EnsureRow(ctx context.Context, key string, version int64) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.upsertRow, key, version); err != nil {
		return s.transient("ensure-row", err)
	}
	return nil
}

// ReadRow reads (promised_seq, accepted_seq, value) for (key, version).
// ok is false if no row exists yet.
func (s *ReplicaStore) ReadRow(ctx context.Context, key string, version int64) (Row, bool, error) {
	q := fmt.Sprintf(`select promised_seq, accepted_seq, value from %s where key=%s and version=%s`,
		s.table, ph(s.dialect, 1), ph(s.dialect, 2))
	var promised, accepted sql.NullInt64
	var value []byte
	row := s.db.QueryRowContext(ctx, q, key, version)
	if err := row.Scan(&promised, &accepted, &value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Row{}, false, nil
		}
		return Row{}, false, s.transient("read-row", err)
	}
	return Row{
		Promised:      ballot.Ballot(promised.Int64),
		PromisedValid: promised.Valid,
		Accepted:      ballot.Ballot(accepted.Int64),
		AcceptedValid: accepted.Valid,
		Value:         value,
		HasValue:      value != nil,
	}, true, nil
}

// UpdatePromised writes promised_seq := seq for (key, version).
func (s *ReplicaStore) UpdatePromised(ctx context.Context, key string, version int64, seq ballot.Ballot) error {
	q := fmt.Sprintf(`update %s set promised_seq=%s where key=%s and version=%s`,
		s.table, ph(s.dialect, 1), ph(s.dialect, 2), ph(s.dialect, 3))
	if _, err := s.db.ExecContext(ctx, q, int64(seq), key, version); err != nil {
		return s.transient("update-promised", err)
	}
	return nil
}

// ConditionalAccept sets (accepted_seq, value) := (seq, value) iff
// promised_seq == expectedPromised, returning whether exactly one row
// was affected.
func (s *ReplicaStore) ConditionalAccept(ctx context.Context, key string, version int64, seq, expectedPromised ballot.Ballot, value []byte) (bool, error) {
	q := fmt.Sprintf(`update %s set accepted_seq=%s, value=%s where key=%s and version=%s and promised_seq=%s`,
		s.table, ph(s.dialect, 1), ph(s.dialect, 2), ph(s.dialect, 3), ph(s.dialect, 4), ph(s.dialect, 5))
	res, err := s.db.ExecContext(ctx, q, int64(seq), value, key, version, int64(expectedPromised))
	if err != nil {
		return false, s.transient("conditional-accept", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.transient("conditional-accept-rows", err)
	}
	return n == 1, nil
}

// ConditionalLearn transitions (key, version) to LEARNED iff
// promised_seq == accepted_seq == seq and value is not null, returning
// whether exactly one row was affected.
func (s *ReplicaStore) ConditionalLearn(ctx context.Context, key string, version int64, seq ballot.Ballot) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, s.transient("conditional-learn-begin", err)
	}
	defer tx.Rollback()

	delQ := fmt.Sprintf(`delete from %s where key=%s and version < %s`,
		s.table, ph(s.dialect, 1), ph(s.dialect, 2))
	if _, err := tx.ExecContext(ctx, delQ, key, version); err != nil {
		return false, s.transient("conditional-learn-gc", err)
	}

	learnQ := fmt.Sprintf(`update %s set promised_seq=null, accepted_seq=null
		where key=%s and version=%s and value is not null and promised_seq=%s and accepted_seq=%s`,
		s.table, ph(s.dialect, 1), ph(s.dialect, 2), ph(s.dialect, 3), ph(s.dialect, 4))
	res, err := tx.ExecContext(ctx, learnQ, key, version, int64(seq), int64(seq))
	if err != nil {
		return false, s.transient("conditional-learn", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.transient("conditional-learn-rows", err)
	}
	if err := tx.Commit(); err != nil {
		return false, s.transient("conditional-learn-commit", err)
	}
	return n == 1, nil
}

// DeleteBelow removes rows for key with version < v. ConditionalLearn
// and ReadRepair run their own delete inside their transactions; this
// is the standalone form of the same pruning.
func (s *ReplicaStore) DeleteBelow(ctx context.Context, key string, v int64) error {
	q := fmt.Sprintf(`delete from %s where key=%s and version < %s`,
		s.table, ph(s.dialect, 1), ph(s.dialect, 2))
	if _, err := s.db.ExecContext(ctx, q, key, v); err != nil {
		return s.transient("delete-below", err)
	}
	return nil
}

// HighestLearned returns the highest LEARNED version for key, if any.
func (s *ReplicaStore) HighestLearned(ctx context.Context, key string) (version int64, value []byte, found bool, err error) {
	q := fmt.Sprintf(`select version, value from %s
		where key=%s and promised_seq is null and accepted_seq is null
		order by version desc limit 1`, s.table, ph(s.dialect, 1))
	row := s.db.QueryRowContext(ctx, q, key)
	if scanErr := row.Scan(&version, &value); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return 0, nil, false, nil
		}
		return 0, nil, false, s.transient("highest-learned", scanErr)
	}
	return version, value, true, nil
}

// ReadRepair deletes every row for key at or below version and installs
// a single LEARNED row (key, version, value), atomically. It reports
// whether the replica now holds exactly that row.
func (s *ReplicaStore) ReadRepair(ctx context.Context, key string, version int64, value []byte) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, s.transient("read-repair-begin", err)
	}
	defer tx.Rollback()

	delQ := fmt.Sprintf(`delete from %s where key=%s and version <= %s`,
		s.table, ph(s.dialect, 1), ph(s.dialect, 2))
	if _, err := tx.ExecContext(ctx, delQ, key, version); err != nil {
		return false, s.transient("read-repair-delete", err)
	}

	insQ := fmt.Sprintf(`insert into %s (key, version, promised_seq, accepted_seq, value)
		values (%s, %s, null, null, %s)`,
		s.table, ph(s.dialect, 1), ph(s.dialect, 2), ph(s.dialect, 3))
	res, err := tx.ExecContext(ctx, insQ, key, version, value)
	if err != nil {
		return false, s.transient("read-repair-insert", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.transient("read-repair-rows", err)
	}
	if err := tx.Commit(); err != nil {
		return false, s.transient("read-repair-commit", err)
	}
	return n == 1, nil
}

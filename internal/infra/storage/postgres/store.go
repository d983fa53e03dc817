package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/vietddude/txreplay/internal/core/cause"
	"github.com/vietddude/txreplay/internal/core/domain"
	"github.com/vietddude/txreplay/internal/infra/storage"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	statusOpen       = "open"
	statusClosed     = "closed"
	statusCommitted  = "committed"
	statusRolledBack = "rolled_back"
)

// staleReads reports whether any recorded read no longer matches the
// committed version. A missing entity has version 0.
const staleReads = `
	SELECT EXISTS (
		SELECT 1
		FROM transaction_reads r
		LEFT JOIN entities e ON e.key = r.key
		WHERE r.txn_id = $1 AND COALESCE(e.version, 0) <> r.version
	)`

type writeRow struct {
	Key  string `db:"key"`
	Kind string `db:"kind"`
	Data []byte `db:"data"`
}

type entityRow struct {
	Key  string `db:"key"`
	Data string `db:"data"`
}

// Store is the PostgreSQL-backed store. Transactions are rows in the
// transactions table; each call runs in its own short database transaction.
type Store struct {
	db         *DB
	scopeHints bool
}

// NewStore creates a store over db.
func NewStore(db *DB, scopeHints bool) *Store {
	return &Store{db: db, scopeHints: scopeHints}
}

func (s *Store) inTx(ctx context.Context, iso pgx.TxIsoLevel, fn func(pgx.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.db.Pool, pgx.TxOptions{IsoLevel: iso}, fn)
}

// parseID rejects ids that cannot name a row.
func parseID(id storage.TxID) (uuid.UUID, error) {
	u, err := uuid.Parse(string(id))
	if err != nil {
		return uuid.Nil, storage.TxClosed(id)
	}
	return u, nil
}

// live locks the transaction row, checks it is open and records the call as
// activity.
func live(ctx context.Context, tx pgx.Tx, id storage.TxID, u uuid.UUID) error {
	tag, err := tx.Exec(ctx, `UPDATE transactions SET active_at = now() WHERE id = $1 AND status = $2`, u, statusOpen)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.TxClosed(id)
	}
	return nil
}

func setStatus(ctx context.Context, tx pgx.Tx, u uuid.UUID, st string) error {
	_, err := tx.Exec(ctx, `UPDATE transactions SET status = $2, active_at = now() WHERE id = $1`, u, st)
	return err
}

func markClosed(ctx context.Context, tx pgx.Tx, u uuid.UUID) error {
	return setStatus(ctx, tx, u, statusClosed)
}

// translate converts pgx errors into raw causes.
func (s *Store) translate(err error) error {
	if err == nil || cause.IsLocalCancel(err) {
		return err
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return storage.Contention(s.scopeHints)
		case strings.HasPrefix(pgErr.Code, "22"):
			return storage.InvalidArgument(pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "23"):
			return cause.New(codes.FailedPrecondition, pgErr.Message, cause.ScopeOperation)
		case strings.HasPrefix(pgErr.Code, "53"), strings.HasPrefix(pgErr.Code, "57P"):
			return storage.Unavailable(err)
		}
		return cause.New(codes.Internal, fmt.Sprintf("%s (SQLSTATE %s)", pgErr.Message, pgErr.Code), cause.ScopeUnknown)
	}
	var connErr *pgconn.ConnectError
	var netErr net.Error
	if pgconn.SafeToRetry(err) || errors.As(err, &connErr) || errors.As(err, &netErr) {
		return storage.Unavailable(err)
	}
	return cause.New(codes.Unknown, err.Error(), cause.ScopeUnknown)
}

func isContention(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

func (s *Store) Begin(ctx context.Context) (storage.TxID, error) {
	u := uuid.New()
	_, err := s.db.Pool.Exec(ctx, `INSERT INTO transactions (id, status) VALUES ($1, $2)`, u, statusOpen)
	if err != nil {
		return "", s.translate(err)
	}
	return storage.TxID(u.String()), nil
}

func (s *Store) Get(ctx context.Context, id storage.TxID, key domain.Key) (*domain.Entity, error) {
	u, err := parseID(id)
	if err != nil {
		return nil, err
	}

	var (
		conflict bool
		found    *domain.Entity
	)
	err = s.inTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		if err := live(ctx, tx, id, u); err != nil {
			return err
		}
		if err := tx.QueryRow(ctx, staleReads, u).Scan(&conflict); err != nil {
			return err
		}
		if conflict {
			// Commit the close so the next call sees a dead transaction.
			return markClosed(ctx, tx, u)
		}

		var (
			data []byte
			ver  int64
		)
		err := tx.QueryRow(ctx, `SELECT data, version FROM entities WHERE key = $1`, key.String()).Scan(&data, &ver)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			ver = 0
		case err != nil:
			return err
		default:
			found = domain.NewEntity(key)
			if err := json.Unmarshal(data, &found.Properties); err != nil {
				return fmt.Errorf("failed to decode entity %s: %w", key, err)
			}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO transaction_reads (txn_id, key, version)
			VALUES ($1, $2, $3)
			ON CONFLICT (txn_id, key) DO NOTHING`,
			u, key.String(), ver)
		return err
	})
	if err != nil {
		return nil, s.translate(err)
	}
	if conflict {
		return nil, storage.Contention(s.scopeHints)
	}
	return found, nil
}

func (s *Store) Put(ctx context.Context, id storage.TxID, e *domain.Entity) error {
	return s.write(ctx, domain.OpPut, id, e.Key, e)
}

func (s *Store) Update(ctx context.Context, id storage.TxID, e *domain.Entity) error {
	return s.write(ctx, domain.OpUpdate, id, e.Key, e)
}

func (s *Store) Delete(ctx context.Context, id storage.TxID, key domain.Key) error {
	return s.write(ctx, domain.OpDelete, id, key, nil)
}

func (s *Store) write(ctx context.Context, op domain.OpKind, id storage.TxID, key domain.Key, e *domain.Entity) error {
	if key.Kind == "" || key.Name == "" {
		return storage.InvalidArgument("incomplete key: " + key.String())
	}
	u, err := parseID(id)
	if err != nil {
		return err
	}

	var data *string
	if e != nil {
		raw, err := json.Marshal(e.Properties)
		if err != nil {
			return fmt.Errorf("failed to encode entity %s: %w", key, err)
		}
		str := string(raw)
		data = &str
	}

	err = s.inTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		if err := live(ctx, tx, id, u); err != nil {
			return err
		}
		if op == domain.OpUpdate {
			exists, err := existsFor(ctx, tx, u, key)
			if err != nil {
				return err
			}
			if !exists {
				return storage.NoEntity(key)
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO transaction_writes (txn_id, key, kind, data)
			VALUES ($1, $2, $3, $4::jsonb)
			ON CONFLICT (txn_id, key) DO UPDATE SET kind = EXCLUDED.kind, data = EXCLUDED.data`,
			u, key.String(), string(op), data)
		return err
	})
	return s.translate(err)
}

// existsFor reports whether key exists as seen by transaction u.
func existsFor(ctx context.Context, tx pgx.Tx, u uuid.UUID, key domain.Key) (bool, error) {
	var kind string
	err := tx.QueryRow(ctx, `SELECT kind FROM transaction_writes WHERE txn_id = $1 AND key = $2`, u, key.String()).Scan(&kind)
	if err == nil {
		return kind != string(domain.OpDelete), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, err
	}
	var exists bool
	err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM entities WHERE key = $1)`, key.String()).Scan(&exists)
	return exists, err
}

func (s *Store) Commit(ctx context.Context, id storage.TxID) error {
	u, err := parseID(id)
	if err != nil {
		return err
	}

	var conflict bool
	err = s.inTx(ctx, pgx.Serializable, func(tx pgx.Tx) error {
		if err := live(ctx, tx, id, u); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			SELECT key FROM entities
			WHERE key IN (SELECT key FROM transaction_reads WHERE txn_id = $1)
			   OR key IN (SELECT key FROM transaction_writes WHERE txn_id = $1)
			ORDER BY key
			FOR UPDATE`, u); err != nil {
			return err
		}

		if err := tx.QueryRow(ctx, staleReads, u).Scan(&conflict); err != nil {
			return err
		}
		if conflict {
			return markClosed(ctx, tx, u)
		}

		rows, err := tx.Query(ctx, `SELECT key, kind, data FROM transaction_writes WHERE txn_id = $1 ORDER BY key`, u)
		if err != nil {
			return err
		}
		writes, err := pgx.CollectRows(rows, pgx.RowToStructByName[writeRow])
		if err != nil {
			return err
		}

		for _, w := range writes {
			key, err := domain.ParseKey(w.Key)
			if err != nil {
				return err
			}
			if domain.OpKind(w.Kind) == domain.OpDelete {
				if _, err := tx.Exec(ctx, `DELETE FROM entities WHERE key = $1`, w.Key); err != nil {
					return err
				}
				continue
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO entities (key, namespace, data, version)
				VALUES ($1, $2, $3::jsonb, nextval('entity_version_seq'))
				ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, version = EXCLUDED.version`,
				w.Key, key.Namespace, string(w.Data)); err != nil {
				return err
			}
		}

		if err := setStatus(ctx, tx, u, statusCommitted); err != nil {
			return err
		}
		return clearSets(ctx, tx, u)
	})
	if err != nil {
		if isContention(err) {
			s.closeQuietly(ctx, u)
		}
		return s.translate(err)
	}
	if conflict {
		return storage.Contention(s.scopeHints)
	}
	return nil
}

// closeQuietly marks a transaction closed after a failed serializable commit.
func (s *Store) closeQuietly(ctx context.Context, u uuid.UUID) {
	_, err := s.db.Pool.Exec(ctx, `UPDATE transactions SET status = $2, active_at = now() WHERE id = $1 AND status = $3`, u, statusClosed, statusOpen)
	if err != nil {
		slog.Debug("Failed to close transaction, ignoring", "tx", u.String(), "error", err)
	}
}

func clearSets(ctx context.Context, tx pgx.Tx, u uuid.UUID) error {
	if _, err := tx.Exec(ctx, `DELETE FROM transaction_reads WHERE txn_id = $1`, u); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `DELETE FROM transaction_writes WHERE txn_id = $1`, u)
	return err
}

func (s *Store) Rollback(ctx context.Context, id storage.TxID) error {
	u, err := parseID(id)
	if err != nil {
		return err
	}
	err = s.inTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE transactions SET status = $2, active_at = now() WHERE id = $1 AND status = $3`, u, statusRolledBack, statusOpen)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return storage.TxClosed(id)
		}
		return clearSets(ctx, tx, u)
	})
	return s.translate(err)
}

// ExpireTransactions closes open transactions with no call since cutoff.
func (s *Store) ExpireTransactions(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE transactions SET status = $1, active_at = now() WHERE status = $2 AND active_at < $3`,
		statusClosed, statusOpen, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire transactions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneTransactions deletes finished transactions last used before cutoff.
// Their read and write sets go with them.
func (s *Store) PruneTransactions(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx,
		`DELETE FROM transactions WHERE status <> $1 AND active_at < $2`,
		statusOpen, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune transactions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Snapshot implements storage.Inspector.
func (s *Store) Snapshot(ctx context.Context, namespace string) ([]*domain.Entity, error) {
	var rows []entityRow
	err := s.db.SQL.SelectContext(ctx, &rows,
		`SELECT key, data::text AS data FROM entities WHERE namespace = $1 ORDER BY key`, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}

	out := make([]*domain.Entity, 0, len(rows))
	for _, r := range rows {
		key, err := domain.ParseKey(r.Key)
		if err != nil {
			return nil, err
		}
		e := domain.NewEntity(key)
		if err := json.Unmarshal([]byte(r.Data), &e.Properties); err != nil {
			return nil, fmt.Errorf("failed to decode entity %s: %w", key, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Ping implements storage.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Health(ctx)
}

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gosuda/sessionkv/internal/kv"
)

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

var _ kv.Backend = (*Store)(nil)

func (s *Store) Get(ctx context.Context, key kv.Key) (kv.Entry, error) {
	var (
		value   []byte
		version int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT value, versionstamp FROM kv_entries WHERE key = $1`,
		key.String(),
	).Scan(&value, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return kv.Entry{Key: key}, nil
	}
	if err != nil {
		return kv.Entry{}, fmt.Errorf("postgres.Get: %w", err)
	}

	return kv.Entry{Key: key, Value: value, Versionstamp: formatStamp(version)}, nil
}

func (s *Store) GetMany(ctx context.Context, keys ...kv.Key) ([]kv.Entry, error) {
	encoded := make([]string, len(keys))
	for i, k := range keys {
		encoded[i] = k.String()
	}

	rows, err := s.pool.Query(ctx,
		`SELECT key, value, versionstamp FROM kv_entries WHERE key = ANY($1)`,
		encoded,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres.GetMany: %w", err)
	}
	defer rows.Close()

	found := make(map[string]kv.Entry, len(keys))
	for rows.Next() {
		var (
			key     string
			value   []byte
			version int64
		)
		if err := rows.Scan(&key, &value, &version); err != nil {
			return nil, fmt.Errorf("postgres.GetMany: scan: %w", err)
		}
		found[key] = kv.Entry{Value: value, Versionstamp: formatStamp(version)}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres.GetMany: rows: %w", err)
	}

	entries := make([]kv.Entry, len(keys))
	for i, k := range keys {
		e := found[encoded[i]]
		e.Key = k
		entries[i] = e
	}
	return entries, nil
}

func (s *Store) Commit(ctx context.Context, a *kv.Atomic) (kv.Versionstamp, error) {
	var stamp kv.Versionstamp

	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		for _, c := range a.Checks {
			current, err := lockedVersion(ctx, tx, c.Key)
			if err != nil {
				return err
			}
			if current != c.Versionstamp {
				return kv.ErrCheckFailed
			}
		}

		var next int64
		if err := tx.QueryRow(ctx, `SELECT nextval('kv_versionstamp_seq')`).Scan(&next); err != nil {
			return fmt.Errorf("next versionstamp: %w", err)
		}

		for _, m := range a.Mutations {
			switch m.Kind {
			case kv.MutationSet:
				value := m.Value
				if value == nil {
					value = []byte{}
				}
				_, err := tx.Exec(ctx,
					`INSERT INTO kv_entries (key, value, versionstamp) VALUES ($1, $2, $3)
					 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, versionstamp = EXCLUDED.versionstamp`,
					m.Key.String(), value, next,
				)
				if err != nil {
					return fmt.Errorf("set %s: %w", m.Key, err)
				}
			case kv.MutationDelete:
				if _, err := tx.Exec(ctx, `DELETE FROM kv_entries WHERE key = $1`, m.Key.String()); err != nil {
					return fmt.Errorf("delete %s: %w", m.Key, err)
				}
			default:
				return fmt.Errorf("unknown mutation %s", m.Kind)
			}
		}

		stamp = formatStamp(next)
		return nil
	})
	if errors.Is(err, kv.ErrCheckFailed) || isContention(err) {
		return "", kv.ErrCheckFailed
	}
	if err != nil {
		return "", fmt.Errorf("postgres.Commit: %w", err)
	}

	return stamp, nil
}

func lockedVersion(ctx context.Context, tx pgx.Tx, key kv.Key) (kv.Versionstamp, error) {
	var version int64
	err := tx.QueryRow(ctx,
		`SELECT versionstamp FROM kv_entries WHERE key = $1 FOR UPDATE`,
		key.String(),
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("check %s: %w", key, err)
	}
	return formatStamp(version), nil
}

// isContention reports errors caused by a concurrent transaction touching
// the same keys. They mean the same as a failed check.
func isContention(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case codeUniqueViolation, codeSerializationFailure, codeDeadlockDetected:
		return true
	default:
		return false
	}
}

func formatStamp(v int64) kv.Versionstamp {
	return kv.Versionstamp(fmt.Sprintf("%020d", v))
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/histoseg/platform/internal/domain"
)

// DB is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, so the same
// repos serve both pooled and transactional access.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements domain.Store over a pgx pool. The zero value is not
// usable; construct with New.
type Store struct {
	pool *pgxpool.Pool
	db   DB

	users    *UserRepo
	projects *ProjectRepo
	images   *ImageRepo
	segs     *SegmentationRepo
	queue    *QueueRepo
	exports  *ExportRepo
	shares   *ShareRepo
}

// New constructs a Store bound to the pool.
func New(pool *pgxpool.Pool) *Store {
	return newStore(pool, pool)
}

func newStore(pool *pgxpool.Pool, db DB) *Store {
	return &Store{
		pool:     pool,
		db:       db,
		users:    &UserRepo{DB: db},
		projects: &ProjectRepo{DB: db},
		images:   &ImageRepo{DB: db},
		segs:     &SegmentationRepo{DB: db},
		queue:    &QueueRepo{DB: db},
		exports:  &ExportRepo{DB: db},
		shares:   &ShareRepo{DB: db},
	}
}

func (s *Store) Users() domain.UserRepository                 { return s.users }
func (s *Store) Projects() domain.ProjectRepository           { return s.projects }
func (s *Store) Images() domain.ImageRepository               { return s.images }
func (s *Store) Segmentations() domain.SegmentationRepository { return s.segs }
func (s *Store) Queue() domain.QueueRepository                { return s.queue }
func (s *Store) Exports() domain.ExportRepository             { return s.exports }
func (s *Store) Shares() domain.ShareRepository               { return s.shares }

// WithTxn runs fn inside one transaction. Serialization failures and
// deadlocks are retried with exponential backoff, capped at three attempts,
// matching the store contract. Nested calls reuse the outer transaction.
func (s *Store) WithTxn(ctx domain.Context, fn func(domain.Store) error) error {
	if s.pool == nil {
		// Already inside a transaction; run in place.
		return fn(s)
	}

	attempt := func() error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("op=store.begin: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := fn(newStore(nil, tx)); err != nil {
			if retriableTxnErr(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := tx.Commit(ctx); err != nil {
			if retriableTxnErr(err) {
				return err
			}
			return fmt.Errorf("op=store.commit: %w", err)
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(500*time.Millisecond),
	), 2), ctx)
	if err := backoff.Retry(attempt, bo); err != nil {
		if retriableTxnErr(err) {
			return fmt.Errorf("op=store.txn: %w: %w", domain.ErrTransient, err)
		}
		return err
	}
	return nil
}

// retriableTxnErr reports serialization failures and deadlocks
// (SQLSTATE 40001, 40P01).
func retriableTxnErr(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// notFound maps pgx.ErrNoRows onto the domain sentinel.
func notFound(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("op=%s: %w", op, err)
}

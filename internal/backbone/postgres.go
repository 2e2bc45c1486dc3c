package backbone

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgconn/ctxwatch"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polyglot-sync/relay/pkg/protocol"
)

// maxChannelLen is the longest LISTEN channel postgres accepts (NAMEDATALEN-1).
const maxChannelLen = 63

// NewPostgresPool connects to postgres. Context cancellation interrupts a
// connection by read deadline rather than a server cancel request, so a
// listening connection stays usable after its wait is cancelled.
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.ConnConfig.BuildContextWatcherHandler = func(pgConn *pgconn.PgConn) ctxwatch.Handler {
		return &pgconn.DeadlineContextWatcherHandler{Conn: pgConn.Conn()}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return pool, nil
}

// pgChannel maps a topic to a LISTEN channel name. Topics longer than the
// identifier limit are replaced by a stable digest.
func pgChannel(topic string) string {
	if len(topic) <= maxChannelLen {
		return topic
	}
	sum := sha256.Sum256([]byte(topic))
	return "topic:" + hex.EncodeToString(sum[:])[:maxChannelLen-len("topic:")]
}

// PostgresBroker implements Broker with LISTEN/NOTIFY. Each subscription
// holds one pooled connection for its lifetime.
type PostgresBroker struct {
	pool *pgxpool.Pool
}

func NewPostgresBroker(pool *pgxpool.Pool) *PostgresBroker {
	return &PostgresBroker{pool: pool}
}

func (b *PostgresBroker) NewSubscription(ctx context.Context) (Subscription, error) {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s := &pgSubscription{
		conn:   conn,
		out:    make(chan []byte, memoryBuffer),
		cmds:   make(chan pgCommand, 8),
		wake:   make(chan struct{}, 1),
		ctx:    loopCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

func (b *PostgresBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if _, err := b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, pgChannel(topic), string(payload)); err != nil {
		return fmt.Errorf("pg_notify %s: %w", topic, err)
	}
	return nil
}

func (b *PostgresBroker) Close() error { return nil }

type pgCommand struct {
	sql    string
	result chan error
}

// pgSubscription serializes all use of its connection through loop, since a
// pgx connection cannot run LISTEN while another goroutine waits for
// notifications on it.
type pgSubscription struct {
	conn *pgxpool.Conn
	out  chan []byte
	cmds chan pgCommand
	wake chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (s *pgSubscription) loop() {
	defer close(s.done)
	defer close(s.out)
	defer s.release()

	for {
		// Run queued commands before waiting again.
		select {
		case cmd := <-s.cmds:
			_, err := s.conn.Exec(s.ctx, cmd.sql)
			cmd.result <- err
			continue
		case <-s.ctx.Done():
			return
		default:
		}

		waitCtx, cancelWait := context.WithCancel(s.ctx)
		stop := make(chan struct{})
		go func() {
			select {
			case <-s.wake:
				cancelWait()
			case <-stop:
			}
		}()
		n, err := s.conn.Conn().WaitForNotification(waitCtx)
		close(stop)
		woken := waitCtx.Err() != nil && s.ctx.Err() == nil
		cancelWait()

		if err != nil {
			if woken {
				continue
			}
			return
		}
		select {
		case s.out <- []byte(n.Payload):
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *pgSubscription) release() {
	if s.conn.Conn().IsClosed() {
		s.conn.Release()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.conn.Exec(ctx, "UNLISTEN *"); err != nil {
		// Don't return a connection with live LISTENs to the pool.
		_ = s.conn.Conn().Close(ctx)
	}
	s.conn.Release()
}

func (s *pgSubscription) exec(ctx context.Context, sql string) error {
	cmd := pgCommand{sql: sql, result: make(chan error, 1)}
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	select {
	case <-s.done:
		return ErrClosed
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *pgSubscription) Subscribe(ctx context.Context, topics ...string) error {
	for _, t := range topics {
		if err := s.exec(ctx, "LISTEN "+pgx.Identifier{pgChannel(t)}.Sanitize()); err != nil {
			return fmt.Errorf("listen %s: %w", t, err)
		}
	}
	return nil
}

func (s *pgSubscription) Unsubscribe(ctx context.Context, topics ...string) error {
	for _, t := range topics {
		if err := s.exec(ctx, "UNLISTEN "+pgx.Identifier{pgChannel(t)}.Sanitize()); err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return fmt.Errorf("unlisten %s: %w", t, err)
		}
	}
	return nil
}

func (s *pgSubscription) Channel() <-chan []byte { return s.out }

func (s *pgSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

// PostgresResults implements ResultStore on a table with an expiry column.
type PostgresResults struct {
	pool *pgxpool.Pool
}

// NewPostgresResults ensures the results table exists.
func NewPostgresResults(ctx context.Context, pool *pgxpool.Pool) (*PostgresResults, error) {
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS relay_results (
		key TEXT PRIMARY KEY,
		event TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT 'null',
		expires_at TIMESTAMPTZ
	)`); err != nil {
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return &PostgresResults{pool: pool}, nil
}

func (r *PostgresResults) GetResult(ctx context.Context, key string) (protocol.Result, error) {
	var res protocol.Result
	var data string
	err := r.pool.QueryRow(ctx,
		`SELECT event, data FROM relay_results
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())`, key).Scan(&res.Event, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return protocol.Result{}, ErrNotFound
	}
	if err != nil {
		return protocol.Result{}, fmt.Errorf("get result %s: %w", key, err)
	}
	res.Data = []byte(data)
	return res, nil
}

func (r *PostgresResults) PutResult(ctx context.Context, key string, res protocol.Result, ttl time.Duration) error {
	var expires *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expires = &t
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO relay_results (key, event, data, expires_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET event = $2, data = $3, expires_at = $4`,
		key, res.Event, string(dataOrNull(res.Data)), expires)
	if err != nil {
		return fmt.Errorf("put result %s: %w", key, err)
	}
	return nil
}

func (r *PostgresResults) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM relay_results WHERE expires_at IS NOT NULL AND expires_at <= $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresResults) Close() error { return nil }

func dataOrNull(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}

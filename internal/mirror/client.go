// Package mirror projects the bulletin ledger into a relational database.
package mirror

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blackmichael/bulletin-relay/internal/domain"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Options configures a Client.
type Options struct {
	Driver Driver
	DSN    string

	// Timeout bounds one Apply call, reconnect included. Zero means no bound
	// beyond the caller's context.
	Timeout time.Duration

	// OnReconnect is called after every session reconnect.
	OnReconnect func()

	Logger *slog.Logger
}

// Client implements domain.Mirror and domain.CursorRepository. Writes go
// through a single session; reads use the connection pool.
type Client struct {
	db          *sql.DB
	dialect     dialect
	timeout     time.Duration
	onReconnect func()
	logger      *slog.Logger

	mu      sync.Mutex
	session session
	connect func(ctx context.Context) (session, error)
}

// Open connects to the mirror database, verifies the connection, creates the
// schema and acquires the write session. Failures here are fatal. The caller
// should call Close when the client is no longer needed.
func Open(ctx context.Context, opts Options) (*Client, error) {
	d, err := dialectFor(opts.Driver)
	if err != nil {
		return nil, domain.E(domain.KindFatal, "open mirror", err)
	}

	db, err := sql.Open(string(opts.Driver), d.dsn(opts.DSN))
	if err != nil {
		return nil, domain.E(domain.KindFatal, "open mirror", fmt.Errorf("open database: %w", err))
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, domain.E(domain.KindFatal, "open mirror", fmt.Errorf("ping database: %w", err))
	}

	c := newClient(db, d, opts)
	if err := c.migrate(ctx); err != nil {
		db.Close()
		return nil, domain.E(domain.KindFatal, "open mirror", err)
	}

	s, err := c.connect(ctx)
	if err != nil {
		db.Close()
		return nil, domain.E(domain.KindFatal, "open mirror", fmt.Errorf("acquire session: %w", err))
	}
	c.session = s

	return c, nil
}

func newClient(db *sql.DB, d dialect, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Client{
		db:          db,
		dialect:     d,
		timeout:     opts.Timeout,
		onReconnect: opts.OnReconnect,
		logger:      logger.With("component", "mirror", "driver", d.String()),
	}
	c.connect = func(ctx context.Context) (session, error) {
		return c.db.Conn(ctx)
	}
	return c
}

func (c *Client) migrate(ctx context.Context) error {
	for _, stmt := range c.dialect.schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Close releases the session and closes the underlying database.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.session != nil {
		errs = append(errs, c.session.Close())
		c.session = nil
	}
	errs = append(errs, c.db.Close())
	return errors.Join(errs...)
}

// Apply executes m on the mirror. A stale session is reconnected once and the
// executor is requested again; no other failure is retried.
func (c *Client) Apply(ctx context.Context, m domain.Mutation) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	query, args, err := c.statement(m)
	if err != nil {
		return domain.E(domain.KindValidation, "mirror apply", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	exec, err := c.executor(ctx)
	if err != nil {
		if !IsSessionExpired(err) {
			return domain.E(domain.KindRemoteSession, "mirror apply", err)
		}
		c.logger.Warn("mirror session expired, reconnecting", "error", err)
		if err := c.reconnect(ctx); err != nil {
			return domain.E(domain.KindRemoteSession, "mirror apply", fmt.Errorf("reconnect: %w", err))
		}
		exec, err = c.executor(ctx)
		if err != nil {
			return domain.E(domain.KindRemoteSession, "mirror apply", fmt.Errorf("after reconnect: %w", err))
		}
	}

	if _, err := exec.ExecContext(ctx, query, args...); err != nil {
		if IsSessionExpired(err) {
			c.dropSession()
		}
		return domain.E(domain.KindRemoteExecution, "mirror "+m.Op.String(), err)
	}
	return nil
}

// executor returns the current session after checking that it is live. It
// opens a session when none is held.
func (c *Client) executor(ctx context.Context) (session, error) {
	if c.session == nil {
		s, err := c.connect(ctx)
		if err != nil {
			return nil, err
		}
		c.session = s
	}
	if err := c.session.PingContext(ctx); err != nil {
		return nil, err
	}
	return c.session, nil
}

func (c *Client) reconnect(ctx context.Context) error {
	c.dropSession()

	s, err := c.connect(ctx)
	if err != nil {
		return err
	}
	c.session = s

	if c.onReconnect != nil {
		c.onReconnect()
	}
	c.logger.Info("mirror session reconnected")
	return nil
}

func (c *Client) dropSession() {
	if c.session == nil {
		return
	}
	if err := c.session.Close(); err != nil && !IsSessionExpired(err) {
		c.logger.Debug("close stale session", "error", err)
	}
	c.session = nil
}

func (c *Client) statement(m domain.Mutation) (string, []any, error) {
	switch m.Op {
	case domain.OpUpsert:
		return c.dialect.upsert, []any{
			encodeID(m.ID),
			encodeID(m.Author),
			time.Unix(m.Timestamp, 0).UTC(),
			m.Text,
		}, nil
	case domain.OpDelete:
		return c.dialect.deleteByID, []any{encodeID(m.ID)}, nil
	default:
		return "", nil, fmt.Errorf("unknown mutation op %d", m.Op)
	}
}

// List retrieves the mirrored bulletins ordered newest first.
func (c *Client) List(ctx context.Context) ([]domain.Bulletin, error) {
	rows, err := c.db.QueryContext(ctx, c.dialect.list)
	if err != nil {
		return nil, domain.E(domain.KindRemoteExecution, "mirror list", fmt.Errorf("query bulletins: %w", err))
	}
	defer rows.Close()

	bulletins := []domain.Bulletin{}
	for rows.Next() {
		var (
			id      int64
			ts      time.Time
			content string
		)
		if err := rows.Scan(&id, &ts, &content); err != nil {
			return nil, domain.E(domain.KindRemoteExecution, "mirror list", fmt.Errorf("scan bulletin: %w", err))
		}
		bulletins = append(bulletins, domain.Bulletin{
			Timestamp: ts.Unix(),
			ID:        decodeID(id),
			Text:      content,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, domain.E(domain.KindRemoteExecution, "mirror list", fmt.Errorf("iterate bulletins: %w", err))
	}
	sortNewestFirst(bulletins)
	return bulletins, nil
}

// IDs returns the ids of all mirrored bulletins.
func (c *Client) IDs(ctx context.Context) ([]uint64, error) {
	rows, err := c.db.QueryContext(ctx, c.dialect.ids)
	if err != nil {
		return nil, domain.E(domain.KindRemoteExecution, "mirror ids", fmt.Errorf("query ids: %w", err))
	}
	defer rows.Close()

	var ids []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, domain.E(domain.KindRemoteExecution, "mirror ids", fmt.Errorf("scan id: %w", err))
		}
		ids = append(ids, decodeID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, domain.E(domain.KindRemoteExecution, "mirror ids", fmt.Errorf("iterate ids: %w", err))
	}
	return ids, nil
}

// GetCursor retrieves the saved channel cursor for a service.
func (c *Client) GetCursor(ctx context.Context, service string) (int64, error) {
	var cursor int64
	err := c.db.QueryRowContext(ctx, c.dialect.getCursor, service).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return cursor, err
}

// UpdateCursor upserts the channel cursor for a service.
func (c *Client) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	_, err := c.db.ExecContext(ctx, c.dialect.updateCursor, service, cursor, time.Now().UTC())
	return err
}

// encodeID stores the full uint64 range in a signed BIGINT column.
func encodeID(id uint64) int64 {
	return int64(id)
}

func decodeID(v int64) uint64 {
	return uint64(v)
}

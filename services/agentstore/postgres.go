package agentstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"filerelay/pkg/db"
)

const uniqueViolation = "23505"

const (
	insertAgentSQL = `
INSERT INTO agents (unique_id)
VALUES ($1)
RETURNING id, unique_id, created_at, last_signin
`
	updateSignInSQL = `
UPDATE agents
SET last_signin = $1
WHERE id = $2
RETURNING id, unique_id, created_at, last_signin
`
	findByIDSQL = `
SELECT id, unique_id, created_at, last_signin
FROM agents
WHERE id = $1
ORDER BY created_at DESC
LIMIT 1
`
	findByUniqueIDSQL = `
SELECT id, unique_id, created_at, last_signin
FROM agents
WHERE unique_id = $1
ORDER BY created_at DESC
LIMIT 1
`
	deleteAgentSQL = `
DELETE FROM agents
WHERE id = $1
`
)

// Postgres implements Store on a pgx connection pool. Every call checks out
// one connection with a bounded wait and releases it before returning.
type Postgres struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

// NewPostgres wraps pool. A non-positive acquireTimeout uses db.DefaultAcquireTimeout.
func NewPostgres(pool *pgxpool.Pool, acquireTimeout time.Duration) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	if acquireTimeout <= 0 {
		acquireTimeout = db.DefaultAcquireTimeout
	}
	return &Postgres{pool: pool, acquireTimeout: acquireTimeout}, nil
}

func (p *Postgres) withConn(ctx context.Context, fn func(conn *pgxpool.Conn) error) error {
	conn, err := db.Acquire(ctx, p.pool, p.acquireTimeout)
	if err != nil {
		if errors.Is(err, db.ErrAcquireTimeout) {
			return ErrPoolExhausted
		}
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()
	return fn(conn)
}

// Add inserts a new agent row.
func (p *Postgres) Add(ctx context.Context, uniqueID string) (Agent, error) {
	var agent Agent
	err := p.withConn(ctx, func(conn *pgxpool.Conn) error {
		return db.Get(ctx, conn, &agent, insertAgentSQL, uniqueID)
	})
	if err != nil {
		return Agent{}, mapError(err)
	}
	return agent, nil
}

// UpdateSignIn stamps last_signin for the agent with the given id.
func (p *Postgres) UpdateSignIn(ctx context.Context, id int64, at time.Time) (Agent, error) {
	var agent Agent
	err := p.withConn(ctx, func(conn *pgxpool.Conn) error {
		return db.Get(ctx, conn, &agent, updateSignInSQL, at.UTC(), id)
	})
	if err != nil {
		return Agent{}, mapError(err)
	}
	return agent, nil
}

// FindByID returns the agent with id, or nil when none exists.
func (p *Postgres) FindByID(ctx context.Context, id int64) (*Agent, error) {
	return p.findOne(ctx, findByIDSQL, id)
}

// FindByUniqueID returns the agent with uniqueID, or nil when none exists.
func (p *Postgres) FindByUniqueID(ctx context.Context, uniqueID string) (*Agent, error) {
	return p.findOne(ctx, findByUniqueIDSQL, uniqueID)
}

func (p *Postgres) findOne(ctx context.Context, query string, arg any) (*Agent, error) {
	var agents []Agent
	err := p.withConn(ctx, func(conn *pgxpool.Conn) error {
		return db.Select(ctx, conn, &agents, query, arg)
	})
	if err != nil {
		return nil, mapError(err)
	}
	if len(agents) == 0 {
		return nil, nil
	}
	return &agents[0], nil
}

// Delete removes the agent with id and reports how many rows went away.
func (p *Postgres) Delete(ctx context.Context, id int64) (int64, error) {
	var removed int64
	err := p.withConn(ctx, func(conn *pgxpool.Conn) error {
		tag, err := db.Exec(ctx, conn, deleteAgentSQL, id)
		if err != nil {
			return err
		}
		removed = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, mapError(err)
	}
	return removed, nil
}

// Ping reports whether the database answers within the default timeout.
func (p *Postgres) Ping(ctx context.Context) error {
	return db.Ping(ctx, p.pool)
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPoolExhausted) {
		return err
	}
	if pgxscan.NotFound(err) || errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, pgErr.Detail)
	}
	return err
}

var _ Store = (*Postgres)(nil)

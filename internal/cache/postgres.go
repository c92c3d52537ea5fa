package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arbiterlabs/arbiter/internal/api"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore backs the decision store with Postgres for deployments that
// already run one and don't want Redis.
//
// Schema:
//
//	CREATE TABLE route_decisions (
//	  fingerprint VARCHAR(64) PRIMARY KEY,
//	  decision JSONB NOT NULL,
//	  expires_at TIMESTAMP NOT NULL,
//	  created_at TIMESTAMP DEFAULT NOW()
//	);
//	CREATE INDEX idx_route_decisions_expires ON route_decisions(expires_at);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects and verifies the pool.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Get(ctx context.Context, fingerprint string) (*api.RoutingDecision, error) {
	query := `
		SELECT decision
		FROM route_decisions
		WHERE fingerprint = $1 AND expires_at > NOW()
	`

	var decisionJSON []byte
	err := p.pool.QueryRow(ctx, query, fingerprint).Scan(&decisionJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}

	var d api.RoutingDecision
	if err := json.Unmarshal(decisionJSON, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
	}
	return &d, nil
}

func (p *PostgresStore) Set(ctx context.Context, fingerprint string, d *api.RoutingDecision, ttl time.Duration) error {
	decisionJSON, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}

	query := `
		INSERT INTO route_decisions (fingerprint, decision, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (fingerprint) DO UPDATE
		SET decision = EXCLUDED.decision, expires_at = EXCLUDED.expires_at
	`

	_, err = p.pool.Exec(ctx, query, fingerprint, decisionJSON, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("postgres insert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// CleanupExpired removes expired rows; run periodically to prevent bloat.
func (p *PostgresStore) CleanupExpired(ctx context.Context) (int64, error) {
	result, err := p.pool.Exec(ctx, `DELETE FROM route_decisions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return result.RowsAffected(), nil
}

package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Record is one row returned by a Cypher query.
type Record = map[string]any

// Runner is the query surface the pipeline depends on; *Store
// implements it, tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, cypher string) ([]Record, error)
}

// Config holds graph store settings.
type Config struct {
	URI      string
	User     string
	Password string
	// Per-call timeout; a timed-out query surfaces as an execution
	// error to the retry loop, not as a special case.
	QueryTimeout time.Duration
	// Caller-enforced result cap (the store itself applies no limit).
	MaxRows int
}

// Store wraps the Neo4j driver with per-call timeouts and a result cap.
// The driver handle is long-lived and safe for concurrent use; sessions
// are acquired per call.
type Store struct {
	driver  neo4j.DriverWithContext
	timeout time.Duration
	maxRows int
	logger  *zap.Logger
}

func NewStore(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 500
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	return &Store{driver: driver, timeout: cfg.QueryTimeout, maxRows: cfg.MaxRows, logger: logger}, nil
}

// Run executes a Cypher query and returns up to MaxRows records.
func (s *Store) Run(ctx context.Context, cypher string) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	start := time.Now()
	result, err := session.Run(ctx, cypher, nil)
	if err != nil {
		return nil, fmt.Errorf("run query: %w", err)
	}
	var records []Record
	for result.Next(ctx) {
		records = append(records, result.Record().AsMap())
		if len(records) >= s.maxRows {
			s.logger.Warn("query result truncated at cap", zap.Int("max_rows", s.maxRows))
			break
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("consume query result: %w", err)
	}
	s.logger.Debug("query executed",
		zap.Int("rows", len(records)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return records, nil
}

// Ping verifies connectivity, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// Close releases the underlying driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

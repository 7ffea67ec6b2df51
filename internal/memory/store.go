package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/metaboqa/orchestrator/internal/metrics"
)

const keyPrefix = "memory:session:"

// Store keeps conversation memory in Redis, one JSON document per
// session, expiring after the TTL.
type Store struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewStore connects to Redis and verifies the connection.
func NewStore(addr string, ttl time.Duration, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Store{client: client, logger: logger, ttl: ttl}, nil
}

// NewStoreWithClient wraps an existing client; used by tests.
func NewStoreWithClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Store{client: client, logger: logger, ttl: ttl}
}

// CreateSession allocates a new empty session and returns its ID.
func (s *Store) CreateSession(ctx context.Context) (string, error) {
	id := uuid.New().String()
	sess := &Session{ID: id, UpdatedAt: time.Now(), Turns: nil}
	if err := s.save(ctx, sess); err != nil {
		return "", err
	}
	s.logger.Info("Created memory session", zap.String("session_id", id))
	return id, nil
}

func (s *Store) save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+sess.ID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// load returns the session, or an empty one when it does not exist or
// its stored document is corrupt.
func (s *Store) load(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.client.Get(ctx, keyPrefix+sessionID).Bytes()
	if err == redis.Nil {
		return &Session{ID: sessionID, UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		s.logger.Warn("Corrupt session document, starting fresh",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return &Session{ID: sessionID, UpdatedAt: time.Now()}, nil
	}
	return &sess, nil
}

// StoreTurn appends a turn to the session. Turns with no answer, or
// tagged as failed, are filtered out; the entity is extracted from the
// query when not supplied. Returns whether the turn was kept.
func (s *Store) StoreTurn(ctx context.Context, sessionID string, turn Turn) (bool, error) {
	if turn.Entity == "" {
		if ents := extractEntities(turn.UserQuery); len(ents) > 0 {
			turn.Entity = ents[0]
			for _, e := range ents {
				if !containsString(turn.Tags, e) {
					turn.Tags = append(turn.Tags, e)
				}
			}
		}
	}
	if !validTurn(turn) {
		return false, nil
	}
	turn.Timestamp = time.Now()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return false, err
	}
	sess.Turns = append(sess.Turns, turn)
	sess.UpdatedAt = time.Now()
	if err := s.save(ctx, sess); err != nil {
		return false, err
	}
	return true, nil
}

// validTurn filters empty answers and turns marked failed.
func validTurn(t Turn) bool {
	if strings.TrimSpace(t.Answer) == "" {
		return false
	}
	return !containsString(t.Tags, "failed")
}

// GetRecent returns up to limit most recent turns, oldest first.
func (s *Store) GetRecent(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	turns := sess.Turns
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

// FindRelevant scores every stored turn against the query and returns
// those above the threshold, most relevant first. Ambiguous follow-up
// queries get a 30% lower effective threshold.
func (s *Store) FindRelevant(ctx context.Context, sessionID, query string, threshold float64) ([]ScoredTurn, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(sess.Turns) == 0 {
		metrics.MemoryHits.WithLabelValues("empty").Inc()
		return nil, nil
	}

	total := len(sess.Turns)
	var relevant []ScoredTurn
	for idx, turn := range sess.Turns {
		recencyIndex := total - idx - 1
		score, components := relevanceScore(query, turn, recencyIndex, total)
		effective := threshold
		if _, ambiguous := components["ambiguity_boost"]; ambiguous {
			effective = threshold * 0.7
		}
		if score >= effective {
			relevant = append(relevant, ScoredTurn{Turn: turn, Relevance: score, Components: components})
		}
	}
	sortByRelevance(relevant)
	if len(relevant) > 0 {
		metrics.MemoryHits.WithLabelValues("hit").Inc()
	} else {
		metrics.MemoryHits.WithLabelValues("miss").Inc()
	}
	return relevant, nil
}

// Clear removes a session. Returns whether it existed.
func (s *Store) Clear(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.client.Del(ctx, keyPrefix+sessionID).Result()
	if err != nil {
		return false, fmt.Errorf("clear session: %w", err)
	}
	return n > 0, nil
}

// Ping reports backend reachability for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func sortByRelevance(turns []ScoredTurn) {
	sort.SliceStable(turns, func(i, j int) bool {
		return turns[i].Relevance > turns[j].Relevance
	})
}

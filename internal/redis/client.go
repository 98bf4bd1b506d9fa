package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/saviobatista/fleetsync/internal/types"
)

const (
	activeSessionsKey = "sessions:active"
	sessionTTL        = 24 * time.Hour
)

// RedisClientInterface defines the Redis operations used by our client
type RedisClientInterface interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Close() error
}

// Client caches session snapshots for dashboards that read Redis directly
type Client struct {
	client RedisClientInterface
}

// New creates a new Redis client
func New(addr string) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "", // no password set
		DB:       0,  // use default DB
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{client: client}, nil
}

// NewWithClient creates a new Redis client with a custom RedisClientInterface (useful for testing)
func NewWithClient(client RedisClientInterface) *Client {
	return &Client{client: client}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

func sessionKey(id string) string {
	return fmt.Sprintf("session:%s", id)
}

// StoreSession caches a session snapshot and keeps the active set in step
// with its status
func (c *Client) StoreSession(ctx context.Context, session types.TrackingSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session data: %w", err)
	}

	if err := c.client.Set(ctx, sessionKey(session.SessionID), data, sessionTTL).Err(); err != nil {
		return fmt.Errorf("failed to store session %s: %w", session.SessionID, err)
	}

	if session.Status == types.SessionEnded {
		err = c.client.SRem(ctx, activeSessionsKey, session.SessionID).Err()
	} else {
		err = c.client.SAdd(ctx, activeSessionsKey, session.SessionID).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to update active sessions: %w", err)
	}
	return nil
}

// GetSession returns a cached session, or nil when none is cached
func (c *Client) GetSession(ctx context.Context, id string) (*types.TrackingSession, error) {
	data, err := c.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session data: %w", err)
	}

	var session types.TrackingSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session data: %w", err)
	}
	return &session, nil
}

// DeleteSession removes a session snapshot
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return c.client.SRem(ctx, activeSessionsKey, id).Err()
}

// ActiveSessionIDs lists the ids in the active set
func (c *Client) ActiveSessionIDs(ctx context.Context) ([]string, error) {
	ids, err := c.client.SMembers(ctx, activeSessionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	return ids, nil
}

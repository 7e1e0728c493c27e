package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/storyreel/storyreel/internal/models"
)

// Progress snapshots expire on their own; a terminal status write from the
// job store is always authoritative.
const snapshotTTL = 10 * time.Minute

// Snapshot is the last reported pipeline position for a job. Written by the
// worker at every progress checkpoint so the status endpoint can answer
// polls without touching Postgres.
type Snapshot struct {
	JobID     uuid.UUID        `json:"job_id"`
	Status    models.JobStatus `json:"status"`
	Stage     string           `json:"stage"`
	Progress  int              `json:"progress"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type Cache struct {
	client *redis.Client
}

func New(redisURL string) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Cache{client: client}, nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func snapshotKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:progress:%s", jobID)
}

func (c *Cache) SetSnapshot(ctx context.Context, snap Snapshot) error {
	snap.UpdatedAt = time.Now()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return c.client.Set(ctx, snapshotKey(snap.JobID), data, snapshotTTL).Err()
}

// GetSnapshot returns the cached snapshot, or (nil, nil) on a miss.
func (c *Cache) GetSnapshot(ctx context.Context, jobID uuid.UUID) (*Snapshot, error) {
	data, err := c.client.Get(ctx, snapshotKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (c *Cache) DeleteSnapshot(ctx context.Context, jobID uuid.UUID) error {
	return c.client.Del(ctx, snapshotKey(jobID)).Err()
}

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Frame is one stream event retained for reconnect replay.
type Frame struct {
	EventID string          `json:"event_id"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// ReplayBuffer keeps a short, capped tail of each owner's recent stream
// events so a reconnecting client can catch up from its last-seen event id.
// Replay is best effort: entries age out with the TTL and older entries fall
// off the cap, in which case the client simply resumes from live events.
type ReplayBuffer struct {
	client *redis.Client
	maxLen int64
	ttl    time.Duration
}

// NewReplayBuffer creates a buffer retaining up to maxLen frames per owner
// for ttl after the last append.
func NewReplayBuffer(client *redis.Client, maxLen int, ttl time.Duration) *ReplayBuffer {
	return &ReplayBuffer{client: client, maxLen: int64(maxLen), ttl: ttl}
}

func replayKey(ownerID string) string { return "stream:replay:" + ownerID }

// Append records one delivered frame for the owner.
func (b *ReplayBuffer) Append(ctx context.Context, ownerID string, frame Frame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal replay frame: %w", err)
	}
	key := replayKey(ownerID)

	pipe := b.client.TxPipeline()
	pipe.RPush(ctx, key, raw)
	pipe.LTrim(ctx, key, -b.maxLen, -1)
	pipe.Expire(ctx, key, b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replay append for %s: %w", ownerID, err)
	}
	return nil
}

// Since returns the frames recorded after lastEventID. When lastEventID is
// no longer in the buffer (or empty), it returns nothing — the client
// resumes from live delivery.
func (b *ReplayBuffer) Since(ctx context.Context, ownerID, lastEventID string) ([]Frame, error) {
	if lastEventID == "" {
		return nil, nil
	}
	raws, err := b.client.LRange(ctx, replayKey(ownerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("replay read for %s: %w", ownerID, err)
	}

	frames := make([]Frame, 0, len(raws))
	for _, raw := range raws {
		var f Frame
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			continue // skip a corrupt entry rather than fail the reconnect
		}
		frames = append(frames, f)
	}

	for i, f := range frames {
		if f.EventID == lastEventID {
			return frames[i+1:], nil
		}
	}
	return nil, nil
}

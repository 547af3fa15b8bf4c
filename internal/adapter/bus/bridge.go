package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/histoseg/platform/internal/domain"
)

const bridgeChannel = "histoseg:bus"

// RedisBridge fans events out across processes via Redis pub/sub, so a
// session connected to one API replica still sees events produced by a
// worker replica. Without REDIS_URL the hub runs standalone and no bridge
// is constructed.
type RedisBridge struct {
	rdb     *redis.Client
	origin  string
	deliver func(domain.Room, []byte)
	cancel  context.CancelFunc
}

type bridgeFrame struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Raw    json.RawMessage `json:"raw"`
}

// NewRedisBridge constructs the bridge and starts its subscriber loop.
func NewRedisBridge(rdb *redis.Client) *RedisBridge {
	b := &RedisBridge{rdb: rdb, origin: uuid.New().String()}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.run(ctx)
	return b
}

// Close stops the subscriber loop.
func (b *RedisBridge) Close() {
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *RedisBridge) publish(room domain.Room, raw []byte) {
	frame, err := json.Marshal(bridgeFrame{Origin: b.origin, Room: string(room), Raw: raw})
	if err != nil {
		return
	}
	// Best effort, same as local delivery.
	if err := b.rdb.Publish(context.Background(), bridgeChannel, frame).Err(); err != nil {
		slog.Debug("bridge publish failed", slog.Any("error", err))
	}
}

func (b *RedisBridge) run(ctx context.Context) {
	sub := b.rdb.Subscribe(ctx, bridgeChannel)
	defer func() { _ = sub.Close() }()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var frame bridgeFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				continue
			}
			// Skip frames we published ourselves; those were already
			// delivered locally.
			if frame.Origin == b.origin {
				continue
			}
			if b.deliver != nil {
				b.deliver(domain.Room(frame.Room), frame.Raw)
			}
		}
	}
}

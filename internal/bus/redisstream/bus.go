package redisstream

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// 消息类型
const (
	TypeShare   = "share"
	TypeUnshare = "unshare"
)

// Bus mirrors directory share state between directory nodes over one redis
// stream. Every node reads through its own consumer group so each node sees
// every message.
type Bus struct {
	cli    *redis.Client
	stream string
	group  string
}

type Message struct {
	Type  string    `json:"type"`
	When  time.Time `json:"when"`
	Node  string    `json:"node"`
	Board string    `json:"board"`
}

// New connects to redis; group is suffixed with node to give the node its
// own consumer group.
func New(addr string, db int, stream, group, node string) *Bus {
	cli := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	return &Bus{cli: cli, stream: stream, group: group + ":" + node}
}

func (b *Bus) Ping(ctx context.Context) error {
	return b.cli.Ping(ctx).Err()
}

func (b *Bus) EnsureGroup(ctx context.Context) error {
	// 从最新位置开始，避免重放历史消息
	err := b.cli.XGroupCreateMkStream(ctx, b.stream, b.group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return errors.Wrapf(err, "create group %s", b.group)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func (b *Bus) Publish(ctx context.Context, m *Message) error {
	payload, err := Encode(m)
	if err != nil {
		return err
	}
	return b.cli.XAdd(ctx, &redis.XAddArgs{Stream: b.stream, Values: map[string]any{"data": payload}}).Err()
}

func Encode(m *Message) (string, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return "", errors.Wrap(err, "encode bus message")
	}
	return string(payload), nil
}

func Decode(raw string) (*Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, errors.Wrap(err, "decode bus message")
	}
	if m.Type != TypeShare && m.Type != TypeUnshare {
		return nil, errors.Errorf("unknown bus message type %q", m.Type)
	}
	return &m, nil
}

type Handler func(ctx context.Context, m *Message) error

// Consume blocks and delivers messages to handler until ctx is done.
func (b *Bus) Consume(ctx context.Context, consumer string, handler Handler) error {
	for {
		res, err := b.cli.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: consumer,
			Streams:  []string{b.stream, ">"},
			Count:    100,
			Block:    5 * time.Second,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// 瞬时错误：稍后重试
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for _, str := range res {
			for _, xmsg := range str.Messages {
				raw, _ := xmsg.Values["data"].(string)
				if m, err := Decode(raw); err == nil {
					_ = handler(ctx, m)
				}
				// Acknowledge
				_ = b.cli.XAck(ctx, b.stream, b.group, xmsg.ID).Err()
			}
		}
	}
}

func (b *Bus) Close() error { return b.cli.Close() }

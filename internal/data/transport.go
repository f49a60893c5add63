package data

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Key and channel layout for RPC over the broker.
const (
	requestQueuePrefix = "rpc:"
	replyQueuePrefix   = "rpc:reply:"
)

// rpcRequest is the wire envelope pushed onto a request queue.
type rpcRequest struct {
	ID      string          `json:"id"`
	ReplyTo string          `json:"reply_to"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sent_at"`
}

// rpcReply is the wire envelope a responder pushes onto the reply queue.
type rpcReply struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// BrokerTransport implements request/response and fire-and-forget messaging
// over redis: requests travel on lists (LPUSH/BRPOP), publishes on pub/sub
// channels.
type BrokerTransport struct {
	rdb    *redis.Client
	logger *log.Helper
}

// NewBrokerTransport creates the redis-backed transport.
func NewBrokerTransport(d *Data, logger log.Logger) *BrokerTransport {
	return &BrokerTransport{
		rdb:    d.GetRedisClient(),
		logger: log.NewHelper(logger),
	}
}

// Send pushes a request envelope onto the routing key's queue and blocks on
// its private reply queue until a reply arrives or the timeout elapses.
func (t *BrokerTransport) Send(ctx context.Context, exchange, routingKey string, payload []byte, timeout time.Duration) ([]byte, error) {
	if t.rdb == nil {
		return nil, errors.New(503, "BROKER_UNAVAILABLE", "broker client is not connected")
	}

	id := uuid.NewString()
	replyTo := replyQueuePrefix + id
	req := rpcRequest{
		ID:      id,
		ReplyTo: replyTo,
		Payload: payload,
		SentAt:  time.Now(),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request envelope: %w", err)
	}

	queue := requestQueuePrefix + exchange + ":" + routingKey
	if err := t.rdb.LPush(ctx, queue, body).Err(); err != nil {
		return nil, fmt.Errorf("failed to enqueue request on %s: %w", queue, err)
	}

	res, err := t.rdb.BRPop(ctx, timeout, replyTo).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.New(504, "REPLY_TIMEOUT",
				fmt.Sprintf("no reply on %s within %s", routingKey, timeout))
		}
		return nil, fmt.Errorf("failed to receive reply for %s: %w", routingKey, err)
	}

	// BRPOP returns [key, value]
	var reply rpcReply
	if err := json.Unmarshal([]byte(res[1]), &reply); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reply envelope: %w", err)
	}
	if reply.Error != "" {
		return nil, errors.New(502, "REMOTE_ERROR", reply.Error)
	}
	return reply.Payload, nil
}

// Publish sends a fire-and-forget message on the exchange.routingKey channel.
func (t *BrokerTransport) Publish(ctx context.Context, exchange, routingKey string, payload []byte) error {
	if t.rdb == nil {
		return errors.New(503, "BROKER_UNAVAILABLE", "broker client is not connected")
	}
	channel := exchange + "." + routingKey
	if err := t.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", channel, err)
	}
	return nil
}

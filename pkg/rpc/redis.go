package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/cumulus/internal/auth"
	"github.com/wisbric/cumulus/internal/telemetry"
	"github.com/wisbric/cumulus/pkg/apierr"
)

const (
	topicKeyPrefix = "rpc:topic:"
	replyKeyPrefix = "rpc:reply:"

	// Reply mailboxes are short-lived; anything unclaimed past this is an
	// abandoned call.
	replyTTL = 5 * time.Minute
)

// RedisBus implements Bus over Redis lists. Each destination is one list,
// so per-destination FIFO ordering holds for a single producer.
type RedisBus struct {
	rdb         *redis.Client
	logger      *slog.Logger
	callTimeout time.Duration
}

// NewRedisBus creates a bus with the given call deadline.
func NewRedisBus(rdb *redis.Client, logger *slog.Logger, callTimeout time.Duration) *RedisBus {
	return &RedisBus{rdb: rdb, logger: logger, callTimeout: callTimeout}
}

func (b *RedisBus) Cast(ctx context.Context, dest string, env Envelope) error {
	if env.Context == nil {
		env.Context = auth.FromContext(ctx)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshalling envelope: %w", err)
	}
	if err := b.rdb.LPush(ctx, topicKeyPrefix+dest, payload).Err(); err != nil {
		return fmt.Errorf("enqueueing to %s: %w", dest, err)
	}
	telemetry.RPCMessagesTotal.WithLabelValues(dest, "cast").Inc()
	b.logger.Debug("rpc cast", "dest", dest, "method", env.Method)
	return nil
}

func (b *RedisBus) Call(ctx context.Context, dest string, env Envelope) (json.RawMessage, error) {
	if env.Context == nil {
		env.Context = auth.FromContext(ctx)
	}
	env.MsgID = uuid.New().String()
	env.ReplyTo = replyKeyPrefix + env.MsgID

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshalling envelope: %w", err)
	}

	start := time.Now()
	if err := b.rdb.LPush(ctx, topicKeyPrefix+dest, payload).Err(); err != nil {
		return nil, fmt.Errorf("enqueueing to %s: %w", dest, err)
	}
	telemetry.RPCMessagesTotal.WithLabelValues(dest, "call").Inc()

	// BRPOP returns when the worker pushes the reply or the deadline
	// passes. Cancelling ctx abandons the mailbox; the TTL reaps it.
	res, err := b.rdb.BRPop(ctx, b.callTimeout, env.ReplyTo).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) {
			return nil, apierr.RPCTimeout("no reply from %s for %s after %s", dest, env.Method, b.callTimeout)
		}
		return nil, fmt.Errorf("awaiting reply from %s: %w", dest, err)
	}
	telemetry.RPCCallDuration.Observe(time.Since(start).Seconds())

	var reply Reply
	if err := json.Unmarshal([]byte(res[1]), &reply); err != nil {
		return nil, fmt.Errorf("unmarshalling reply: %w", err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("remote error from %s.%s: %s", dest, env.Method, reply.Error)
	}
	return reply.Result, nil
}

// Worker consumes one or more destinations and dispatches messages to
// registered method handlers. Compute, volume and network hosts run one;
// the control plane itself runs one for status-report messages.
type Worker struct {
	rdb      *redis.Client
	logger   *slog.Logger
	dests    []string
	handlers map[string]Handler
}

// NewWorker creates a worker consuming the given destinations.
func NewWorker(rdb *redis.Client, logger *slog.Logger, dests ...string) *Worker {
	return &Worker{
		rdb:      rdb,
		logger:   logger,
		dests:    dests,
		handlers: make(map[string]Handler),
	}
}

// Handle registers a handler for a method name.
func (w *Worker) Handle(method string, h Handler) {
	w.handlers[method] = h
}

// Run consumes messages until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	keys := make([]string, len(w.dests))
	for i, d := range w.dests {
		keys[i] = topicKeyPrefix + d
	}
	w.logger.Info("rpc worker started", "dests", w.dests)

	for {
		res, err := w.rdb.BRPop(ctx, 5*time.Second, keys...).Result()
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("rpc worker stopped")
				return nil
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			w.logger.Error("rpc worker pop", "error", err)
			continue
		}

		var env Envelope
		if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
			w.logger.Error("rpc worker: malformed envelope", "error", err)
			continue
		}
		w.dispatch(ctx, env)
	}
}

func (w *Worker) dispatch(ctx context.Context, env Envelope) {
	if env.Context != nil {
		ctx = auth.NewContext(ctx, env.Context)
	}

	h, ok := w.handlers[env.Method]
	if !ok {
		w.logger.Warn("rpc worker: no handler", "method", env.Method)
		w.reply(ctx, env, nil, fmt.Errorf("no handler for method %s", env.Method))
		return
	}

	result, err := h(ctx, env)
	if err != nil {
		w.logger.Error("rpc handler failed", "method", env.Method, "error", err)
	}
	w.reply(ctx, env, result, err)
}

func (w *Worker) reply(ctx context.Context, env Envelope, result any, herr error) {
	if env.ReplyTo == "" {
		return
	}
	reply := Reply{MsgID: env.MsgID}
	if herr != nil {
		reply.Error = herr.Error()
	} else if result != nil {
		payload, err := json.Marshal(result)
		if err != nil {
			reply.Error = fmt.Sprintf("marshalling result: %v", err)
		} else {
			reply.Result = payload
		}
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		w.logger.Error("marshalling reply", "error", err)
		return
	}
	pipe := w.rdb.TxPipeline()
	pipe.LPush(ctx, env.ReplyTo, payload)
	pipe.Expire(ctx, env.ReplyTo, replyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		w.logger.Error("pushing reply", "mailbox", env.ReplyTo, "error", err)
	}
}

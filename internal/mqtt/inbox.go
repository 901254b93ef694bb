package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// commandsPerMinute caps inbound commands.
const commandsPerMinute = 30

// maxCommandBytes caps a command payload.
const maxCommandBytes = 1024

func (p *Publisher) commandsEnabled() bool {
	return p.cfg.AcceptCommands && p.handler != nil
}

func (p *Publisher) subscribeCommands(ctx context.Context, cm *autopaho.ConnectionManager) {
	if !p.commandsEnabled() {
		return
	}
	topic := p.commandTopic()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt command subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Info("mqtt accepting commands", "topic", topic, "reply_topic", p.responseTopic())
}

// onMessage is called from the paho receive loop, so the command is
// handled on its own goroutine.
func (p *Publisher) onMessage(ctx context.Context, pkt *paho.Publish) {
	if pkt == nil || pkt.Topic != p.commandTopic() {
		return
	}
	text, ok := p.acceptCommand(pkt.Payload)
	if !ok {
		return
	}
	go func() {
		reply := p.handler(ctx, text)
		if p.cm == nil {
			return
		}
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.responseTopic(),
			Payload: []byte(reply),
			QoS:     1,
		}); err != nil {
			p.logger.Warn("mqtt command reply failed", "error", err)
		}
	}()
}

// acceptCommand validates an inbound payload and applies the rate limit.
func (p *Publisher) acceptCommand(payload []byte) (string, bool) {
	if !p.commandsEnabled() {
		return "", false
	}
	text := strings.TrimSpace(string(payload))
	if text == "" || len(payload) > maxCommandBytes {
		p.logger.Debug("mqtt command ignored", "payload_size", len(payload))
		return "", false
	}
	if !p.limiter.allow() {
		return "", false
	}
	p.logger.Debug("mqtt command received", "command", text)
	return text, true
}

// messageRateLimiter drops messages beyond limit per interval. Counters
// are atomic so the receive path never blocks.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{limit: limit, interval: interval, logger: logger}
}

// start resets the counter every interval until ctx is cancelled and
// warns when anything was dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			if dropped := r.dropped.Swap(0); dropped > 0 {
				r.logger.Warn("mqtt commands dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

func (r *messageRateLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}

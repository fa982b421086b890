// Package pump drains inbound user messages through parsing and execution.
//
// A single consumer goroutine preserves arrival order; intents within one
// message run sequentially, so a later intent sees the balance left by an
// earlier one. Per-user token buckets throttle flooders before any parsing
// work happens.
package pump

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/predex/engine/internal/metrics"
	"github.com/predex/engine/internal/notify"
	"github.com/predex/engine/internal/parser"
	"github.com/predex/engine/internal/trade"
)

// Message is one inbound user message awaiting processing.
type Message struct {
	UserID string
	Text   string
}

// Pump queues and executes inbound messages.
type Pump struct {
	queue    chan Message
	orch     *trade.Orchestrator
	notifier notify.Notifier
	log      *slog.Logger

	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a pump with the given queue capacity and per-user message
// rate.
func New(orch *trade.Orchestrator, n notify.Notifier, queueSize int, perUserRate rate.Limit, burst int, log *slog.Logger) *Pump {
	if queueSize <= 0 {
		queueSize = 256
	}
	if burst <= 0 {
		burst = 1
	}
	return &Pump{
		queue:    make(chan Message, queueSize),
		orch:     orch,
		notifier: n,
		log:      log,
		limit:    perUserRate,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Enqueue adds a message to the queue. Returns false when the queue is full
// or the user is over their rate; the caller decides how to respond.
func (p *Pump) Enqueue(msg Message) bool {
	if !p.limiter(msg.UserID).Allow() {
		p.log.Info("message rate limited", "user_id", msg.UserID)
		return false
	}
	select {
	case p.queue <- msg:
		metrics.QueueDepth.Set(float64(len(p.queue)))
		return true
	default:
		p.log.Warn("message queue full, dropping", "user_id", msg.UserID)
		return false
	}
}

func (p *Pump) limiter(userID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[userID]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.limiters[userID] = l
	}
	return l
}

// Run consumes the queue until ctx is cancelled. Call in a goroutine.
func (p *Pump) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.queue:
			metrics.QueueDepth.Set(float64(len(p.queue)))
			p.process(ctx, msg)
		}
	}
}

// process parses one message and executes its intents in order.
func (p *Pump) process(ctx context.Context, msg Message) {
	res := parser.Parse(msg.Text)

	if len(res.Intents) == 0 {
		reply := "No trade commands recognized. Try \"BUY 50\" or \"SELL 10 NO\"."
		if res.Skipped > 0 {
			reply = "Trade amounts must be between 1 and 1000."
		}
		p.sendText(ctx, msg.UserID, reply)
		return
	}

	for _, intent := range res.Intents {
		outcome := p.orch.ExecuteIntent(ctx, msg.UserID, intent)
		if err := p.notifier.TradeOutcome(ctx, outcome); err != nil {
			metrics.NotificationFailuresTotal.Inc()
			p.log.Warn("outcome notification failed", "user_id", msg.UserID, "error", err)
		}
	}
}

func (p *Pump) sendText(ctx context.Context, userID, text string) {
	if err := p.notifier.Text(ctx, userID, text); err != nil {
		metrics.NotificationFailuresTotal.Inc()
		p.log.Warn("text notification failed", "user_id", userID, "error", err)
	}
}

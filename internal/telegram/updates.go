package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const (
	// UpdateTimeout bounds the handling of a single update.
	UpdateTimeout = 2 * time.Minute
	// QueueSize is the number of webhook updates buffered ahead of the worker.
	QueueSize = 256
)

type Handler interface {
	HandleUpdate(ctx context.Context, u Update)
}

type HandlerFunc func(ctx context.Context, u Update)

func (f HandlerFunc) HandleUpdate(ctx context.Context, u Update) { f(ctx, u) }

type updateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
}

// Poller feeds updates from getUpdates to a Handler, one at a time.
type Poller struct {
	src        updateSource
	handler    Handler
	log        *zap.Logger
	timeout    time.Duration
	retryDelay time.Duration
	deadline   time.Duration
}

func NewPoller(c *Client, h Handler, log *zap.Logger) *Poller {
	return &Poller{
		src:        c,
		handler:    h,
		log:        log.Named("poller"),
		timeout:    30 * time.Second,
		retryDelay: 3 * time.Second,
		deadline:   UpdateTimeout,
	}
}

// Run polls until ctx is done and then returns ctx.Err().
func (p *Poller) Run(ctx context.Context) error {
	var offset int64
	for {
		updates, err := p.src.GetUpdates(ctx, offset, p.timeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn("get updates", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.retryDelay):
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			handle(ctx, p.handler, u, p.deadline)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func handle(ctx context.Context, h Handler, u Update, d time.Duration) {
	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	h.HandleUpdate(ctx, u)
}

// Queue hands webhook updates to a single worker, in arrival order, so a
// delivery can be acknowledged before the update is handled.
type Queue struct {
	handler  Handler
	updates  chan Update
	deadline time.Duration
	log      *zap.Logger
}

func NewQueue(h Handler, size int, deadline time.Duration, log *zap.Logger) *Queue {
	if size <= 0 {
		size = QueueSize
	}
	return &Queue{
		handler:  h,
		updates:  make(chan Update, size),
		deadline: deadline,
		log:      log.Named("queue"),
	}
}

// Push enqueues u without blocking. It reports false when the queue is full.
func (q *Queue) Push(u Update) bool {
	select {
	case q.updates <- u:
		return true
	default:
		return false
	}
}

// Run handles queued updates until ctx is done and then returns ctx.Err().
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if n := len(q.updates); n > 0 {
				q.log.Warn("dropping queued updates", zap.Int("count", n))
			}
			return ctx.Err()
		case u := <-q.updates:
			handle(ctx, q.handler, u, q.deadline)
		}
	}
}

// WebhookHandler serves Telegram webhook deliveries by pushing them onto q.
// Requests without the expected secret token are rejected when secret is
// set. A full queue answers 503 so Telegram redelivers later.
func WebhookHandler(q *Queue, secret string, log *zap.Logger) http.Handler {
	log = log.Named("webhook")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(SecretHeader)), []byte(secret)) != 1 {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		var u Update
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&u); err != nil {
			log.Warn("decode update", zap.Error(err))
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if !q.Push(u) {
			log.Warn("update queue full", zap.Int64("update_id", u.UpdateID))
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

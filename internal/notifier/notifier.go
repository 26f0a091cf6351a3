// Package notifier delivers outbound messages asynchronously so the engine
// and bot never block on Telegram. Messages are queued, rate limited, retried
// with backoff, and deduplicated within a short window.
package notifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	kit "stakebot/internal/transport"
	logx "stakebot/pkg/logx"
)

// Sender is the outbound transport edge, satisfied by the telegram adapter.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	// DedupWindow 0 disables dedup.
	return c
}

type message struct {
	chatID int64
	text   string
}

type Service struct {
	cfg     Config
	sender  Sender
	log     logx.Logger
	limiter *rate.Limiter

	queue   chan message
	dropped uint64

	dedupMu sync.Mutex
	dedup   map[string]time.Time

	runMu    sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	workerWG sync.WaitGroup
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		sender:  sender,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:   make(chan message, cfg.QueueSize),
		dedup:   make(map[string]time.Time),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	for i := 0; i < s.cfg.Workers; i++ {
		s.workerWG.Add(1)
		go s.worker(i)
	}
	s.log.Info("notifier started",
		logx.Int("workers", s.cfg.Workers),
		logx.Int("queue", s.cfg.QueueSize),
		logx.Int("rate_per_sec", s.cfg.RatePerSec))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.runMu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if n := atomic.LoadUint64(&s.dropped); n > 0 {
		s.log.Warn("notifications dropped over lifetime", logx.Uint64("count", n))
	}
	s.log.Info("notifier stopped")
	return nil
}

// Notify enqueues a message for the owner's DM chat. Non-blocking; messages
// are dropped when the queue is full, a duplicate of a recent message, or the
// service is not running.
func (s *Service) Notify(ownerID int64, text string) {
	if text == "" {
		return
	}
	if s.isDuplicate(ownerID, text) {
		return
	}
	select {
	case s.queue <- message{chatID: ownerID, text: text}:
	default:
		atomic.AddUint64(&s.dropped, 1)
	}
}

func (s *Service) isDuplicate(chatID int64, text string) bool {
	if s.cfg.DedupWindow <= 0 {
		return false
	}
	sum := sha256.Sum256([]byte(text))
	key := fmt.Sprintf("%d:%s", chatID, hex.EncodeToString(sum[:8]))
	now := time.Now()

	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()
	if last, ok := s.dedup[key]; ok && now.Sub(last) < s.cfg.DedupWindow {
		return true
	}
	s.dedup[key] = now
	// Opportunistic cleanup keeps the map bounded.
	if len(s.dedup) > 4096 {
		for k, v := range s.dedup {
			if now.Sub(v) >= s.cfg.DedupWindow {
				delete(s.dedup, k)
			}
		}
	}
	return false
}

func (s *Service) worker(id int) {
	defer s.workerWG.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case m := <-s.queue:
			s.deliver(m)
		}
	}
}

func (s *Service) deliver(m message) {
	for attempt := 0; ; attempt++ {
		if err := s.limiter.Wait(s.ctx); err != nil {
			return
		}

		_, err := s.sender.SendText(s.ctx, kit.ChatTarget{ChatID: m.chatID}, m.text, nil)
		if err == nil {
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		if attempt >= s.cfg.RetryMax {
			s.log.Warn("notification delivery gave up",
				logx.Int64("chat_id", m.chatID),
				logx.Int("attempts", attempt+1),
				logx.Err(err))
			return
		}

		delay := s.cfg.RetryBase << uint(attempt)
		if delay > s.cfg.RetryMaxDelay {
			delay = s.cfg.RetryMaxDelay
		}
		// 20% jitter.
		delay += time.Duration(rand.Int63n(int64(delay)/5 + 1))

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// Package engine drives recurring orders: a minute-grid tick selects due
// orders and settles each one through a bounded worker pool.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"stakebot/internal/eventbus"
	"stakebot/internal/ledger"
	"stakebot/internal/order"
	"stakebot/internal/storage"
	logx "stakebot/pkg/logx"
)

const (
	defaultTickSpec        = "* * * * *"
	defaultWorkers         = 4
	defaultTransferTimeout = 90 * time.Second
)

// Notifier delivers user-facing messages about execution outcomes.
// Delivery is best-effort and must not block the settle cycle.
type Notifier interface {
	Notify(ownerID int64, text string)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ownerID int64, text string)

func (f NotifierFunc) Notify(ownerID int64, text string) { f(ownerID, text) }

type Config struct {
	TickSpec        string
	Workers         int
	TransferTimeout time.Duration
	Location        *time.Location
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.TickSpec == "" {
		out.TickSpec = defaultTickSpec
	}
	if out.Workers <= 0 {
		out.Workers = defaultWorkers
	}
	if out.TransferTimeout <= 0 {
		out.TransferTimeout = defaultTransferTimeout
	}
	if out.Location == nil {
		out.Location = time.UTC
	}
	return out
}

// Service owns the tick loop. One tick runs at a time; if a tick overruns
// into the next cron firing, the late firing waits its turn.
type Service struct {
	cfg    Config
	store  storage.Store
	gw     ledger.Gateway
	bus    *eventbus.Bus
	notify Notifier
	log    logx.Logger

	// now is swappable for tests.
	now func() time.Time

	mu      sync.Mutex
	running bool
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc

	tickMu sync.Mutex
}

func New(cfg Config, store storage.Store, gw ledger.Gateway, bus *eventbus.Bus, notify Notifier, log logx.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("engine: store is nil")
	}
	if gw == nil {
		return nil, errors.New("engine: gateway is nil")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if notify == nil {
		notify = NotifierFunc(func(int64, string) {})
	}
	cfg = cfg.withDefaults()

	// Reject a bad tick spec at construction, not at Start.
	if _, err := cron.ParseStandard(cfg.TickSpec); err != nil {
		return nil, err
	}

	return &Service{
		cfg:    cfg,
		store:  store,
		gw:     gw,
		bus:    bus,
		notify: notify,
		log:    log,
		now:    time.Now,
	}, nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	c := cron.New(cron.WithLocation(s.cfg.Location))
	_, err := c.AddFunc(s.cfg.TickSpec, func() {
		if s.ctx.Err() != nil {
			return
		}
		s.RunTick(s.ctx, s.now())
	})
	if err != nil {
		s.cancel()
		return err
	}
	c.Start()
	s.cron = c
	s.running = true
	s.log.Info("engine started",
		logx.String("tick_spec", s.cfg.TickSpec),
		logx.Int("workers", s.cfg.Workers))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	c := s.cron
	s.cron = nil
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	done := c.Stop() // waits for in-flight jobs
	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("engine stopped")
	return nil
}

// RunTick selects due orders as of now and settles them concurrently.
// Exported so a tick can be driven directly, without the cron schedule.
func (s *Service) RunTick(ctx context.Context, now time.Time) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	started := time.Now()
	due, err := s.store.ListDue(ctx, now)
	if err != nil {
		s.log.Error("list due orders failed", logx.Err(err))
		return
	}
	if len(due) > 0 {
		s.log.Debug("tick", logx.Time("at", now), logx.Int("due", len(due)))
	}

	if len(due) > 0 {
		queue := make(chan *order.Order, len(due))
		for _, o := range due {
			queue <- o
		}
		close(queue)

		workers := s.cfg.Workers
		if workers > len(due) {
			workers = len(due)
		}
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for o := range queue {
					if ctx.Err() != nil {
						return
					}
					s.settleOne(ctx, o, now)
				}
			}()
		}
		wg.Wait()
	}

	s.publish(EventTick, TickEvent{At: now, Due: len(due), Took: time.Since(started)})
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(typ, data)
	}
}

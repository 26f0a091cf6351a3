// Package bot implements the chat-facing command surface: order creation via
// a short guided conversation, listing, cancellation and balance queries.
package bot

import (
	"context"
	"strings"
	"sync"
	"time"

	"stakebot/internal/ledger"
	"stakebot/internal/order"
	"stakebot/internal/storage"
	kit "stakebot/internal/transport"
	logx "stakebot/pkg/logx"
)

// Transport is the slice of the chat adapter the bot needs.
type Transport interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

type Config struct {
	// Owners may create orders. An empty list disables the gate, which is
	// only sensible for local development.
	Owners []int64

	// ConversationTTL expires abandoned create flows. Default 10 minutes.
	ConversationTTL time.Duration
}

type Service struct {
	cfg   Config
	store storage.Store
	gw    ledger.Gateway
	tp    Transport
	log   logx.Logger
	now   func() time.Time

	mu     sync.Mutex
	convos map[int64]*conversation
}

func New(cfg Config, store storage.Store, gw ledger.Gateway, tp Transport, log logx.Logger) *Service {
	if cfg.ConversationTTL <= 0 {
		cfg.ConversationTTL = 10 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		store:  store,
		gw:     gw,
		tp:     tp,
		log:    log,
		now:    time.Now,
		convos: make(map[int64]*conversation),
	}
}

// Run consumes updates until ctx is cancelled or the channel closes.
func (s *Service) Run(ctx context.Context, updates <-chan kit.Update) {
	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			s.expireConversations()
		case up, ok := <-updates:
			if !ok {
				return
			}
			s.handleUpdate(ctx, up)
		}
	}
}

func (s *Service) handleUpdate(ctx context.Context, up kit.Update) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("update handler panicked", logx.Any("panic", r))
		}
	}()

	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			s.handleMessage(ctx, up.Message)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			s.handleCallback(ctx, up.Callback)
		}
	}
}

func (s *Service) handleMessage(ctx context.Context, m *kit.Message) {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/") {
		s.handleCommand(ctx, m, text)
		return
	}

	if strings.EqualFold(text, "exit") {
		if s.dropConversation(m.FromID) {
			s.reply(ctx, m.ChatID, "Setup cancelled.")
		}
		return
	}

	if c := s.conversation(m.FromID); c != nil {
		s.advanceConversation(ctx, m, c)
		return
	}

	s.reply(ctx, m.ChatID, "I did not understand that. Try /help.")
}

func (s *Service) handleCommand(ctx context.Context, m *kit.Message, text string) {
	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	// Strip the @botname suffix used in groups.
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	switch cmd {
	case "/start":
		s.cmdStart(ctx, m)
	case "/help":
		s.cmdHelp(ctx, m)
	case "/stake":
		s.cmdBegin(ctx, m, order.SideStake)
	case "/unstake":
		s.cmdBegin(ctx, m, order.SideUnstake)
	case "/list":
		s.cmdList(ctx, m)
	case "/cancel":
		s.cmdCancel(ctx, m, args)
	case "/history":
		s.cmdHistory(ctx, m, args)
	case "/balance":
		s.cmdBalance(ctx, m)
	default:
		s.reply(ctx, m.ChatID, "Unknown command. Try /help.")
	}
}

func (s *Service) handleCallback(ctx context.Context, cb *kit.Callback) {
	switch {
	case strings.HasPrefix(cb.Data, "freq:") || strings.HasPrefix(cb.Data, "hours:"):
		s.handleFrequencyCallback(ctx, cb)
	case strings.HasPrefix(cb.Data, "cancel:"):
		s.handleCancelCallback(ctx, cb)
	default:
		_ = s.tp.AnswerCallback(ctx, cb.ID, "")
	}
}

func (s *Service) isOwner(userID int64) bool {
	if len(s.cfg.Owners) == 0 {
		return true
	}
	for _, id := range s.cfg.Owners {
		if id == userID {
			return true
		}
	}
	return false
}

func (s *Service) reply(ctx context.Context, chatID int64, text string) {
	if _, err := s.tp.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		s.log.Warn("reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

func (s *Service) conversation(userID int64) *conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convos[userID]
}

func (s *Service) dropConversation(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convos[userID]; !ok {
		return false
	}
	delete(s.convos, userID)
	return true
}

func (s *Service) expireConversations() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.convos {
		if now.Sub(c.updatedAt) > s.cfg.ConversationTTL {
			delete(s.convos, id)
		}
	}
}

// Package bot implements the ledger bot: Telegram update dispatch,
// commands, the /add dialog and per-user rate limiting.
package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"

	"github.com/HugeFrog24/sheetbot/internal/clock"
	"github.com/HugeFrog24/sheetbot/internal/config"
	"github.com/HugeFrog24/sheetbot/internal/metrics"
	"github.com/HugeFrog24/sheetbot/internal/money"
	"github.com/HugeFrog24/sheetbot/internal/state"
	"github.com/HugeFrog24/sheetbot/internal/storage"
	"github.com/HugeFrog24/sheetbot/internal/webhook"
)

const notifyTimeout = 2 * time.Minute

// Notifier delivers entry events to an external system.
type Notifier interface {
	Notify(ctx context.Context, ev webhook.Event) error
}

// SyncTrigger asks the spreadsheet syncer for an early pass.
type SyncTrigger interface {
	Trigger()
}

// Deps are the collaborators of a Bot. Notifier, Syncer and Telegram may
// be nil.
type Deps struct {
	Store    *storage.Store
	States   state.Store
	Clock    clock.Clock
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Notifier Notifier
	Syncer   SyncTrigger
	Telegram TelegramClient
}

type Bot struct {
	tgBot          TelegramClient
	store          *storage.Store
	states         state.Store
	config         config.BotConfig
	clock          clock.Clock
	log            *zap.Logger
	metrics        *metrics.Metrics
	notifier       Notifier
	syncer         SyncTrigger
	userLimiters   map[int64]*userLimiter
	userLimitersMu sync.Mutex
	background     sync.WaitGroup
	botID          uint // Reference to BotModel.ID
}

// New registers the bot and its owner in storage.
func New(ctx context.Context, cfg config.BotConfig, deps Deps) (*Bot, error) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	botEntry, err := deps.Store.EnsureBot(ctx, cfg.ID)
	if err != nil {
		return nil, err
	}
	if _, err := deps.Store.EnsureOwner(ctx, botEntry.ID, cfg.OwnerTelegramID); err != nil {
		return nil, fmt.Errorf("bot %s: %w", cfg.ID, err)
	}

	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := deps.Clock
	if c == nil {
		c = clock.Real{}
	}

	return &Bot{
		tgBot:        deps.Telegram,
		store:        deps.Store,
		states:       deps.States,
		config:       cfg,
		clock:        c,
		log:          log,
		metrics:      deps.Metrics,
		notifier:     deps.Notifier,
		syncer:       deps.Syncer,
		userLimiters: make(map[int64]*userLimiter),
		botID:        botEntry.ID,
	}, nil
}

// Connect creates the long-polling Telegram client for this bot.
func (b *Bot) Connect() error {
	tgClient, err := initTelegramBot(b.config.TelegramToken, b.handleUpdate)
	if err != nil {
		return fmt.Errorf("init telegram client for bot %s: %w", b.config.ID, err)
	}
	b.tgBot = tgClient
	return nil
}

// Start polls for updates until ctx is done, then waits for in-flight
// webhook deliveries.
func (b *Bot) Start(ctx context.Context) {
	b.log.Info("Bot started")
	b.tgBot.Start(ctx)
	b.Wait()
	b.log.Info("Bot stopped")
}

// Wait blocks until background notifications have finished.
func (b *Bot) Wait() {
	b.background.Wait()
}

type businessConnectionKey struct{}

// withBusinessConnection marks replies in ctx as sent on behalf of a
// business account.
func withBusinessConnection(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, businessConnectionKey{}, id)
}

func businessConnectionID(ctx context.Context) string {
	id, _ := ctx.Value(businessConnectionKey{}).(string)
	return id
}

func (b *Bot) sendResponse(ctx context.Context, chatID int64, text string) error {
	return b.sendWithMarkup(ctx, chatID, text, nil)
}

func (b *Bot) sendWithMarkup(ctx context.Context, chatID int64, text string, markup models.ReplyMarkup) error {
	params := &bot.SendMessageParams{
		BusinessConnectionID: businessConnectionID(ctx),
		ChatID:               chatID,
		Text:                 text,
	}
	if markup != nil {
		params.ReplyMarkup = markup
	}

	if _, err := b.tgBot.SendMessage(ctx, params); err != nil {
		b.log.Error("Error sending message", zap.Int64("chat_id", chatID), zap.Error(err))
		return err
	}
	return nil
}

// afterChange nudges the syncer and notifies the webhook in the
// background. Delivery outlives the update's context.
func (b *Bot) afterChange(ctx context.Context, event string, e storage.Entry) {
	if b.syncer != nil {
		b.syncer.Trigger()
	}
	if b.notifier == nil {
		return
	}

	ev := webhook.Event{
		Event:      event,
		BotID:      b.config.ID,
		OccurredAt: b.clock.Now().UTC(),
		Entry: webhook.Entry{
			UID:         e.UID,
			UserID:      e.UserID,
			Username:    e.Username,
			Amount:      money.Format(e.Amount),
			AmountMinor: e.Amount,
			Currency:    e.Currency,
			Category:    e.Category,
			Note:        e.Note,
			RecordedAt:  e.RecordedAt.UTC(),
		},
	}

	b.background.Add(1)
	go func() {
		defer b.background.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()

		result := "delivered"
		if err := b.notifier.Notify(nctx, ev); err != nil {
			result = "failed"
			b.log.Error("Webhook delivery failed", zap.String("event", event), zap.String("uid", e.UID), zap.Error(err))
		}
		if b.metrics != nil {
			b.metrics.WebhookDeliveries.WithLabelValues(b.config.ID, result).Inc()
		}
	}()
}

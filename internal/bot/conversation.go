package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/HugeFrog24/sheetbot/internal/money"
	"github.com/HugeFrog24/sheetbot/internal/state"
	"github.com/HugeFrog24/sheetbot/internal/storage"
	"github.com/HugeFrog24/sheetbot/internal/webhook"
)

const (
	maxCategoryLen = 32
	maxNoteLen     = 500
	skipNote       = "-"
)

var (
	errBadCategory = fmt.Errorf("category must be 1 to %d characters", maxCategoryLen)
	msgBadCategory = fmt.Sprintf("A category must be 1 to %d characters long.", maxCategoryLen)
)

// title upper-cases the first letter of each word. Casers are not safe
// for concurrent use, so each call builds its own.
func title(s string) string {
	return cases.Title(language.English).String(s)
}

func normalizeCategory(s string) (string, error) {
	c := strings.ToLower(strings.Join(strings.Fields(s), " "))
	if c == "" || utf8.RuneCountInString(c) > maxCategoryLen {
		return "", errBadCategory
	}
	return c, nil
}

func normalizeNote(s string) string {
	s = strings.TrimSpace(s)
	if s == skipNote {
		return ""
	}
	if utf8.RuneCountInString(s) > maxNoteLen {
		s = string([]rune(s)[:maxNoteLen])
	}
	return s
}

func categoryKeyboard(categories []string) models.ReplyMarkup {
	if len(categories) == 0 {
		return nil
	}
	var rows [][]models.KeyboardButton
	for i := 0; i < len(categories); i += 3 {
		end := min(i+3, len(categories))
		var row []models.KeyboardButton
		for _, c := range categories[i:end] {
			row = append(row, models.KeyboardButton{Text: c})
		}
		rows = append(rows, row)
	}
	return &models.ReplyKeyboardMarkup{
		Keyboard:        rows,
		ResizeKeyboard:  true,
		OneTimeKeyboard: true,
	}
}

func removeKeyboard() models.ReplyMarkup {
	return &models.ReplyKeyboardRemove{RemoveKeyboard: true}
}

func amountError(err error) string {
	switch {
	case errors.Is(err, money.ErrNotPositive):
		return "The amount must be greater than zero."
	case errors.Is(err, money.ErrTooLarge):
		return "That amount is too large."
	default:
		return "That doesn't look like an amount. Send something like 12.50."
	}
}

// handleAdd records an entry straight from "/add <amount> <category> [note]"
// or starts the dialog for whatever is missing.
func (b *Bot) handleAdd(ctx context.Context, message *models.Message, user storage.User, args string) {
	chatID := message.Chat.ID
	fields := strings.Fields(args)

	if len(fields) == 0 {
		b.setConversation(ctx, message, state.Conversation{Step: state.StepAwaitingAmount})
		b.sendWithMarkup(ctx, chatID, "How much? Send an amount like 12.50, or /cancel.", removeKeyboard())
		return
	}

	amount, err := money.Parse(fields[0])
	if err != nil {
		b.sendResponse(ctx, chatID, amountError(err)+"\nUsage: /add 12.50 food lunch with the team")
		return
	}

	if len(fields) == 1 {
		b.askCategory(ctx, message, amount)
		return
	}

	category, err := normalizeCategory(fields[1])
	if err != nil {
		b.sendResponse(ctx, chatID, msgBadCategory)
		return
	}
	note := normalizeNote(strings.Join(fields[2:], " "))

	b.clearConversation(ctx, message)
	b.saveEntry(ctx, message, user, amount, category, note)
}

func (b *Bot) askCategory(ctx context.Context, message *models.Message, amount int64) {
	chatID := message.Chat.ID
	b.setConversation(ctx, message, state.Conversation{Step: state.StepAwaitingCategory, Amount: amount})

	text := fmt.Sprintf("%s %s. Which category?", money.Format(amount), b.config.Currency)
	markup := categoryKeyboard(b.config.Categories)
	if markup == nil {
		markup = removeKeyboard()
	}
	b.sendWithMarkup(ctx, chatID, text, markup)
}

func (b *Bot) handleCancel(ctx context.Context, message *models.Message) {
	chatID := message.Chat.ID
	conv, err := b.states.Get(ctx, b.config.ID, chatID, message.From.ID)
	if err != nil {
		b.log.Error("Error loading conversation state", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	b.clearConversation(ctx, message)

	text := "Nothing to cancel."
	if conv.Active() {
		text = "Cancelled."
	}
	b.sendWithMarkup(ctx, chatID, text, removeKeyboard())
}

// continueConversation feeds a plain message into the active dialog step.
func (b *Bot) continueConversation(ctx context.Context, message *models.Message, user storage.User, conv state.Conversation) {
	chatID := message.Chat.ID
	text := strings.TrimSpace(message.Text)
	if text == "" {
		b.sendResponse(ctx, chatID, "Please answer with text, or /cancel.")
		return
	}

	switch conv.Step {
	case state.StepAwaitingAmount:
		amount, err := money.Parse(text)
		if err != nil {
			b.sendResponse(ctx, chatID, amountError(err))
			return
		}
		b.askCategory(ctx, message, amount)

	case state.StepAwaitingCategory:
		category, err := normalizeCategory(text)
		if err != nil {
			b.sendResponse(ctx, chatID, msgBadCategory)
			return
		}
		conv.Step = state.StepAwaitingNote
		conv.Category = category
		b.setConversation(ctx, message, conv)
		b.sendWithMarkup(ctx, chatID, "Add a note, or send - to skip.", removeKeyboard())

	case state.StepAwaitingNote:
		b.clearConversation(ctx, message)
		b.saveEntry(ctx, message, user, conv.Amount, conv.Category, normalizeNote(text))

	default:
		b.log.Warn("Unknown conversation step, resetting", zap.String("step", string(conv.Step)))
		b.clearConversation(ctx, message)
		b.sendResponse(ctx, chatID, msgHint)
	}
}

func (b *Bot) setConversation(ctx context.Context, message *models.Message, conv state.Conversation) {
	if err := b.states.Set(ctx, b.config.ID, message.Chat.ID, message.From.ID, conv); err != nil {
		b.log.Error("Error saving conversation state", zap.Int64("chat_id", message.Chat.ID), zap.Error(err))
	}
}

func (b *Bot) clearConversation(ctx context.Context, message *models.Message) {
	if err := b.states.Clear(ctx, b.config.ID, message.Chat.ID, message.From.ID); err != nil {
		b.log.Error("Error clearing conversation state", zap.Int64("chat_id", message.Chat.ID), zap.Error(err))
	}
}

func (b *Bot) saveEntry(ctx context.Context, message *models.Message, user storage.User, amount int64, category, note string) {
	chatID := message.Chat.ID

	entry := storage.Entry{
		BotID:      b.botID,
		UID:        uuid.NewString(),
		ChatID:     chatID,
		UserID:     user.TelegramID,
		Username:   user.Username,
		Amount:     amount,
		Currency:   b.config.Currency,
		Category:   category,
		Note:       note,
		RecordedAt: b.clock.Now(),
	}
	if err := b.store.CreateEntry(ctx, &entry); err != nil {
		b.log.Error("Error storing entry", zap.Int64("chat_id", chatID), zap.Error(err))
		b.sendResponse(ctx, chatID, msgTrouble)
		return
	}
	if b.metrics != nil {
		b.metrics.EntriesCreated.WithLabelValues(b.config.ID).Inc()
	}

	text := fmt.Sprintf("✅ Recorded %s %s · %s", money.Format(amount), entry.Currency, title(category))
	if note != "" {
		text += "\n" + note
	}
	b.sendWithMarkup(ctx, chatID, text, removeKeyboard())
	b.afterChange(ctx, webhook.EventEntryCreated, entry)
}

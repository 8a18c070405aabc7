package bot

import (
	"context"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"

	"github.com/HugeFrog24/sheetbot/internal/storage"
)

const (
	msgTrouble     = "Sorry, something went wrong. Please try again later."
	msgRateLimited = "Rate limit exceeded. Please try again later."
	msgHint        = "Send /add to record an entry or /help for all commands."
)

func (b *Bot) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	message := update.Message
	if message == nil {
		message = update.BusinessMessage
	}
	if message == nil || message.From == nil {
		// Edits, callbacks and channel posts carry nothing to record.
		return
	}
	if message.BusinessConnectionID != "" {
		ctx = withBusinessConnection(ctx, message.BusinessConnectionID)
	}

	chatID := message.Chat.ID
	userID := message.From.ID
	command, args := parseCommand(message)

	kind := "text"
	switch {
	case command != "":
		kind = "command"
	case message.Text == "":
		kind = "other"
	}

	claimed, err := b.store.ClaimUpdate(ctx, storage.ProcessedUpdate{
		BotID:       b.botID,
		UpdateID:    update.ID,
		ChatID:      chatID,
		UserID:      userID,
		Kind:        kind,
		ProcessedAt: b.clock.Now(),
	})
	if err != nil {
		b.log.Error("Error claiming update", zap.Int64("update_id", update.ID), zap.Error(err))
		return
	}
	if !claimed {
		b.log.Debug("Skipping already processed update", zap.Int64("update_id", update.ID))
		return
	}
	if b.metrics != nil {
		b.metrics.UpdatesHandled.WithLabelValues(b.config.ID, kind).Inc()
	}

	user, err := b.store.GetOrCreateUser(ctx, b.botID, userID, message.From.Username)
	if err != nil {
		b.log.Error("Error getting or creating user", zap.Int64("user_id", userID), zap.Error(err))
		b.sendResponse(ctx, chatID, msgTrouble)
		return
	}

	if !user.IsOwner && !b.checkRateLimits(userID) {
		if b.metrics != nil {
			b.metrics.RateLimited.WithLabelValues(b.config.ID).Inc()
		}
		b.sendResponse(ctx, chatID, msgRateLimited)
		return
	}

	if command != "" {
		b.handleCommand(ctx, message, user, command, args)
		return
	}

	conv, err := b.states.Get(ctx, b.config.ID, chatID, userID)
	if err != nil {
		b.log.Error("Error loading conversation state", zap.Int64("chat_id", chatID), zap.Error(err))
		b.sendResponse(ctx, chatID, msgTrouble)
		return
	}
	if conv.Active() {
		b.continueConversation(ctx, message, user, conv)
		return
	}

	if message.Text == "" {
		b.log.Debug("Received a non-text message", zap.Int64("user_id", userID), zap.Int64("chat_id", chatID))
		return
	}
	b.sendResponse(ctx, chatID, msgHint)
}

// parseCommand returns the lower-cased command without any @botname
// suffix, and the text after it.
func parseCommand(message *models.Message) (string, string) {
	text := message.Text
	length := 0

	for _, entity := range message.Entities {
		if entity.Type == "bot_command" && entity.Offset == 0 {
			length = entity.Length
			break
		}
	}
	if length == 0 && strings.HasPrefix(text, "/") {
		length = strings.IndexAny(text, " \n\t")
		if length < 0 {
			length = len(text)
		}
	}
	if length == 0 || length > len(text) {
		return "", ""
	}

	command := strings.ToLower(text[:length])
	if at := strings.IndexByte(command, '@'); at >= 0 {
		command = command[:at]
	}
	return command, strings.TrimSpace(text[length:])
}

func (b *Bot) handleCommand(ctx context.Context, message *models.Message, user storage.User, command, args string) {
	chatID := message.Chat.ID

	switch command {
	case "/start", "/help":
		b.sendHelp(ctx, chatID, user)
	case "/add":
		b.handleAdd(ctx, message, user, args)
	case "/cancel":
		b.handleCancel(ctx, message)
	case "/list":
		b.sendList(ctx, chatID, user, args)
	case "/undo":
		b.handleUndo(ctx, chatID, user)
	case "/total":
		b.sendTotals(ctx, chatID, user)
	case "/export":
		b.sendExport(ctx, chatID, user)
	case "/whoami":
		b.sendWhoAmI(ctx, chatID, user)
	case "/sheet":
		b.sendSheetLink(ctx, chatID)
	case "/stats":
		if b.requireAdmin(ctx, chatID, user) {
			b.sendStats(ctx, chatID)
		}
	case "/sync":
		if b.requireAdmin(ctx, chatID, user) {
			b.handleSync(ctx, chatID)
		}
	case "/promote":
		if b.requireOwner(ctx, chatID, user) {
			b.handleSetRole(ctx, chatID, args, storage.RoleAdmin)
		}
	case "/demote":
		if b.requireOwner(ctx, chatID, user) {
			b.handleSetRole(ctx, chatID, args, storage.RoleUser)
		}
	default:
		b.sendResponse(ctx, chatID, "Unknown command. Send /help for the list of commands.")
	}
}

func (b *Bot) requireAdmin(ctx context.Context, chatID int64, user storage.User) bool {
	if user.IsAdminOrOwner() {
		return true
	}
	b.sendResponse(ctx, chatID, "You are not allowed to use this command.")
	return false
}

func (b *Bot) requireOwner(ctx context.Context, chatID int64, user storage.User) bool {
	if user.IsOwner {
		return true
	}
	b.sendResponse(ctx, chatID, "Only the bot owner can use this command.")
	return false
}

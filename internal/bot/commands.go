package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"

	"github.com/HugeFrog24/sheetbot/internal/export"
	"github.com/HugeFrog24/sheetbot/internal/money"
	"github.com/HugeFrog24/sheetbot/internal/storage"
	"github.com/HugeFrog24/sheetbot/internal/webhook"
)

const (
	defaultListSize = 10
	maxListSize     = 50
	sheetURL        = "https://docs.google.com/spreadsheets/d/%s"
)

const helpText = "📒 I keep a ledger of your entries.\n\n" +
	"/add 12.50 food lunch - record an entry (or just /add to be asked step by step)\n" +
	"/cancel - stop the current /add\n" +
	"/list [n] - show your latest entries\n" +
	"/undo - remove your last entry\n" +
	"/total - this month's totals per category\n" +
	"/export - download your entries as a spreadsheet\n" +
	"/sheet - link to the shared spreadsheet\n" +
	"/whoami - show your role"

const adminHelpText = "\n\nAdmin:\n" +
	"/stats - bot statistics\n" +
	"/sync - push pending entries to the spreadsheet now"

const ownerHelpText = "\n\nOwner:\n" +
	"/promote <telegram id> - make a user an admin\n" +
	"/demote <telegram id> - make an admin a regular user"

func (b *Bot) sendHelp(ctx context.Context, chatID int64, user storage.User) {
	text := helpText
	if user.IsAdminOrOwner() {
		text += adminHelpText
	}
	if user.IsOwner {
		text += ownerHelpText
	}
	b.sendResponse(ctx, chatID, text)
}

func (b *Bot) sendList(ctx context.Context, chatID int64, user storage.User, args string) {
	limit := defaultListSize
	if args != "" {
		n, err := strconv.Atoi(strings.Fields(args)[0])
		if err != nil || n <= 0 {
			b.sendResponse(ctx, chatID, "Usage: /list [number of entries]")
			return
		}
		limit = min(n, maxListSize)
	}

	entries, err := b.store.RecentEntries(ctx, b.botID, user.TelegramID, limit)
	if err != nil {
		b.log.Error("Error listing entries", zap.Int64("user_id", user.TelegramID), zap.Error(err))
		b.sendResponse(ctx, chatID, msgTrouble)
		return
	}
	if len(entries) == 0 {
		b.sendResponse(ctx, chatID, "You have no entries yet. Send /add to record one.")
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "🧾 Your last %d entries:\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(&sb, "\n%s  %s %s · %s",
			e.RecordedAt.In(b.config.Location).Format("2006-01-02 15:04"),
			money.Format(e.Amount), e.Currency, title(e.Category))
		if e.Note != "" {
			fmt.Fprintf(&sb, " (%s)", e.Note)
		}
	}
	b.sendResponse(ctx, chatID, sb.String())
}

func (b *Bot) handleUndo(ctx context.Context, chatID int64, user storage.User) {
	entry, err := b.store.RemoveLastEntry(ctx, b.botID, user.TelegramID)
	if errors.Is(err, storage.ErrNotFound) {
		b.sendResponse(ctx, chatID, "Nothing to undo.")
		return
	}
	if err != nil {
		b.log.Error("Error removing entry", zap.Int64("user_id", user.TelegramID), zap.Error(err))
		b.sendResponse(ctx, chatID, msgTrouble)
		return
	}

	b.sendResponse(ctx, chatID, fmt.Sprintf("↩️ Removed %s %s · %s",
		money.Format(entry.Amount), entry.Currency, title(entry.Category)))
	b.afterChange(ctx, webhook.EventEntryRemoved, entry)
}

// monthStart is the first instant of the current month in the bot's timezone.
func (b *Bot) monthStart() time.Time {
	now := b.clock.Now().In(b.config.Location)
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, b.config.Location)
}

func (b *Bot) sendTotals(ctx context.Context, chatID int64, user storage.User) {
	since := b.monthStart()
	totals, err := b.store.Totals(ctx, b.botID, user.TelegramID, since)
	if err != nil {
		b.log.Error("Error computing totals", zap.Int64("user_id", user.TelegramID), zap.Error(err))
		b.sendResponse(ctx, chatID, msgTrouble)
		return
	}
	if len(totals) == 0 {
		b.sendResponse(ctx, chatID, fmt.Sprintf("No entries in %s yet.", since.Format("January 2006")))
		return
	}

	var sb strings.Builder
	var sum int64
	fmt.Fprintf(&sb, "📅 Totals for %s:\n", since.Format("January 2006"))
	for _, t := range totals {
		fmt.Fprintf(&sb, "\n- %s: %s %s (%d)", title(t.Category), money.Format(t.Total), b.config.Currency, t.Count)
		sum += t.Total
	}
	fmt.Fprintf(&sb, "\n\nTotal: %s %s", money.Format(sum), b.config.Currency)
	b.sendResponse(ctx, chatID, sb.String())
}

func (b *Bot) sendExport(ctx context.Context, chatID int64, user storage.User) {
	entries, err := b.store.AllEntries(ctx, b.botID, user.TelegramID)
	if err != nil {
		b.log.Error("Error loading entries for export", zap.Int64("user_id", user.TelegramID), zap.Error(err))
		b.sendResponse(ctx, chatID, msgTrouble)
		return
	}
	if len(entries) == 0 {
		b.sendResponse(ctx, chatID, "You have no entries to export.")
		return
	}

	var buf bytes.Buffer
	if err := export.WriteEntries(&buf, entries, b.config.Location); err != nil {
		b.log.Error("Error rendering export", zap.Int64("user_id", user.TelegramID), zap.Error(err))
		b.sendResponse(ctx, chatID, msgTrouble)
		return
	}

	filename := fmt.Sprintf("ledger-%s.xlsx", b.clock.Now().In(b.config.Location).Format("2006-01-02"))
	_, err = b.tgBot.SendDocument(ctx, &bot.SendDocumentParams{
		BusinessConnectionID: businessConnectionID(ctx),
		ChatID:               chatID,
		Document:             &models.InputFileUpload{Filename: filename, Data: &buf},
		Caption:              fmt.Sprintf("%d entries", len(entries)),
	})
	if err != nil {
		b.log.Error("Error sending export", zap.Int64("chat_id", chatID), zap.Error(err))
		b.sendResponse(ctx, chatID, msgTrouble)
	}
}

func (b *Bot) sendWhoAmI(ctx context.Context, chatID int64, user storage.User) {
	role := user.Role.Name
	if user.IsOwner {
		role = storage.RoleOwner
	}
	whoAmIMessage := fmt.Sprintf(
		"👤 Your Information:\n\n"+
			"- Username: %s\n"+
			"- Telegram ID: %d\n"+
			"- Role: %s",
		user.Username,
		user.TelegramID,
		title(role),
	)
	b.sendResponse(ctx, chatID, whoAmIMessage)
}

func (b *Bot) sendSheetLink(ctx context.Context, chatID int64) {
	if b.config.SpreadsheetID == "" {
		b.sendResponse(ctx, chatID, "No spreadsheet is configured for this bot.")
		return
	}
	b.sendResponse(ctx, chatID, "📄 "+fmt.Sprintf(sheetURL, b.config.SpreadsheetID))
}

func (b *Bot) sendStats(ctx context.Context, chatID int64) {
	st, err := b.store.Stats(ctx, b.botID)
	if err != nil {
		b.log.Error("Error fetching stats", zap.Error(err))
		b.sendResponse(ctx, chatID, "Sorry, I couldn't retrieve the stats at this time.")
		return
	}

	// Do NOT manually escape hyphens here
	statsMessage := fmt.Sprintf(
		"📊 Bot Statistics:\n\n"+
			"- Total Users: %d\n"+
			"- Total Entries: %d\n"+
			"- Waiting for Sync: %d\n"+
			"- Failed to Sync: %d\n"+
			"- Processed Updates: %d",
		st.Users,
		st.Entries,
		st.UnsyncedEntries,
		st.FailedEntries,
		st.ProcessedUpdates,
	)
	b.sendResponse(ctx, chatID, statsMessage)
}

func (b *Bot) handleSync(ctx context.Context, chatID int64) {
	if b.syncer == nil {
		b.sendResponse(ctx, chatID, "Spreadsheet sync is not configured.")
		return
	}
	b.syncer.Trigger()
	b.sendResponse(ctx, chatID, "🔄 Sync requested.")
}

func (b *Bot) handleSetRole(ctx context.Context, chatID int64, args string, role string) {
	fields := strings.Fields(args)
	if len(fields) != 1 {
		b.sendResponse(ctx, chatID, "Usage: /promote <telegram id> or /demote <telegram id>")
		return
	}
	targetID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		b.sendResponse(ctx, chatID, "The Telegram ID must be a number.")
		return
	}

	user, err := b.store.SetUserRole(ctx, b.botID, targetID, role)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		b.sendResponse(ctx, chatID, "That user hasn't talked to the bot yet.")
		return
	case errors.Is(err, storage.ErrOwnerRole):
		b.sendResponse(ctx, chatID, "The owner's role cannot be changed.")
		return
	case err != nil:
		b.log.Error("Error changing role", zap.Int64("target_id", targetID), zap.Error(err))
		b.sendResponse(ctx, chatID, msgTrouble)
		return
	}

	b.log.Info("Role changed", zap.Int64("target_id", targetID), zap.String("role", role))
	b.sendResponse(ctx, chatID, fmt.Sprintf("User %d is now %s.", user.TelegramID, title(role)))
}

package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newEntry(botID uint, userID int64, n int, amount int64, category string, at time.Time) *Entry {
	return &Entry{
		BotID:      botID,
		UID:        fmt.Sprintf("uid-%d-%d", userID, n),
		ChatID:     userID,
		UserID:     userID,
		Username:   "tester",
		Amount:     amount,
		Currency:   "EUR",
		Category:   category,
		RecordedAt: at,
	}
}

func TestOpen_SeedsRoles(t *testing.T) {
	s := setupTestStore(t)

	var count int64
	require.NoError(t, s.db.Model(&Role{}).Count(&count).Error)
	assert.Equal(t, int64(3), count)

	// Seeding twice must not duplicate roles.
	require.NoError(t, s.createDefaultRoles(context.Background()))
	require.NoError(t, s.db.Model(&Role{}).Count(&count).Error)
	assert.Equal(t, int64(3), count)
}

func TestEnsureBot_Idempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first, err := s.EnsureBot(ctx, "ledger")
	require.NoError(t, err)
	second, err := s.EnsureBot(ctx, "ledger")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "ledger", second.Identifier)
}

func TestOwnerAssignment(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	botEntry, err := s.EnsureBot(ctx, "test_bot")
	require.NoError(t, err)

	owner, err := s.EnsureOwner(ctx, botEntry.ID, 111111111)
	require.NoError(t, err)
	assert.True(t, owner.IsOwner)
	assert.Equal(t, RoleOwner, owner.Role.Name)

	// Restarting with the same owner is fine.
	_, err = s.EnsureOwner(ctx, botEntry.ID, 111111111)
	require.NoError(t, err)

	// A second owner for the same bot is rejected.
	_, err = s.EnsureOwner(ctx, botEntry.ID, 222222222)
	assert.ErrorIs(t, err, ErrOwnerExists)

	// Another bot can have its own owner.
	other, err := s.EnsureBot(ctx, "other_bot")
	require.NoError(t, err)
	_, err = s.EnsureOwner(ctx, other.ID, 222222222)
	assert.NoError(t, err)
}

func TestEnsureOwner_PromotesExistingUser(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	botEntry, err := s.EnsureBot(ctx, "test_bot")
	require.NoError(t, err)
	_, err = s.GetOrCreateUser(ctx, botEntry.ID, 42, "alice")
	require.NoError(t, err)

	owner, err := s.EnsureOwner(ctx, botEntry.ID, 42)
	require.NoError(t, err)
	assert.True(t, owner.IsOwner)

	reloaded, err := s.GetOrCreateUser(ctx, botEntry.ID, 42, "alice")
	require.NoError(t, err)
	assert.Equal(t, RoleOwner, reloaded.Role.Name)
	assert.True(t, reloaded.IsAdminOrOwner())
}

func TestGetOrCreateUser(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	botEntry, err := s.EnsureBot(ctx, "test_bot")
	require.NoError(t, err)

	user, err := s.GetOrCreateUser(ctx, botEntry.ID, 7, "bob")
	require.NoError(t, err)
	assert.Equal(t, RoleUser, user.Role.Name)
	assert.False(t, user.IsAdminOrOwner())

	renamed, err := s.GetOrCreateUser(ctx, botEntry.ID, 7, "bobby")
	require.NoError(t, err)
	assert.Equal(t, user.ID, renamed.ID)
	assert.Equal(t, "bobby", renamed.Username)

	var count int64
	require.NoError(t, s.db.Model(&User{}).Where("telegram_id = ?", 7).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestSetUserRole(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	botEntry, err := s.EnsureBot(ctx, "test_bot")
	require.NoError(t, err)
	_, err = s.EnsureOwner(ctx, botEntry.ID, 1)
	require.NoError(t, err)
	_, err = s.GetOrCreateUser(ctx, botEntry.ID, 2, "carol")
	require.NoError(t, err)

	admin, err := s.SetUserRole(ctx, botEntry.ID, 2, RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, admin.Role.Name)

	_, err = s.SetUserRole(ctx, botEntry.ID, 1, RoleUser)
	assert.ErrorIs(t, err, ErrOwnerRole)

	_, err = s.SetUserRole(ctx, botEntry.ID, 2, RoleOwner)
	assert.ErrorIs(t, err, ErrOwnerRole)

	_, err = s.SetUserRole(ctx, botEntry.ID, 99, RoleAdmin)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimUpdate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	botEntry, err := s.EnsureBot(ctx, "test_bot")
	require.NoError(t, err)

	pu := ProcessedUpdate{BotID: botEntry.ID, UpdateID: 1001, ChatID: 5, UserID: 5, Kind: "message", ProcessedAt: time.Now()}
	claimed, err := s.ClaimUpdate(ctx, pu)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimUpdate(ctx, pu)
	require.NoError(t, err)
	assert.False(t, claimed, "a redelivered update must not be claimed twice")

	other, err := s.EnsureBot(ctx, "other_bot")
	require.NoError(t, err)
	pu.BotID = other.ID
	claimed, err = s.ClaimUpdate(ctx, pu)
	require.NoError(t, err)
	assert.True(t, claimed, "update ids are scoped per bot")
}

func TestEntries_ListTotalsAndRemove(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	botEntry, err := s.EnsureBot(ctx, "test_bot")
	require.NoError(t, err)

	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateEntry(ctx, newEntry(botEntry.ID, 5, 1, 1250, "food", base.AddDate(0, -1, 0))))
	require.NoError(t, s.CreateEntry(ctx, newEntry(botEntry.ID, 5, 2, 500, "food", base)))
	require.NoError(t, s.CreateEntry(ctx, newEntry(botEntry.ID, 5, 3, 90000, "rent", base.Add(time.Hour))))
	require.NoError(t, s.CreateEntry(ctx, newEntry(botEntry.ID, 6, 1, 100, "food", base)))

	recent, err := s.RecentEntries(ctx, botEntry.ID, 5, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "rent", recent[0].Category)

	totals, err := s.Totals(ctx, botEntry.ID, 5, base)
	require.NoError(t, err)
	require.Len(t, totals, 2)
	assert.Equal(t, CategoryTotal{Category: "rent", Total: 90000, Count: 1}, totals[0])
	assert.Equal(t, CategoryTotal{Category: "food", Total: 500, Count: 1}, totals[1])

	removed, err := s.RemoveLastEntry(ctx, botEntry.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, "rent", removed.Category)

	all, err := s.AllEntries(ctx, botEntry.ID, 5)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.RemoveLastEntry(ctx, botEntry.ID, 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSyncBookkeeping(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	botEntry, err := s.EnsureBot(ctx, "test_bot")
	require.NoError(t, err)

	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	first := newEntry(botEntry.ID, 5, 1, 100, "food", now)
	second := newEntry(botEntry.ID, 5, 2, 200, "food", now)
	require.NoError(t, s.CreateEntry(ctx, first))
	require.NoError(t, s.CreateEntry(ctx, second))

	pending, err := s.PendingEntries(ctx, botEntry.ID, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)

	require.NoError(t, s.RecordSyncFailure(ctx, []uint{first.ID, second.ID}, "quota exceeded"))
	stats, err := s.Stats(ctx, botEntry.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.FailedEntries)

	require.NoError(t, s.MarkSynced(ctx, first.ID, 2, now))
	require.NoError(t, s.MarkSynced(ctx, second.ID, 3, now))

	pending, err = s.PendingEntries(ctx, botEntry.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	removals, err := s.PendingRemovals(ctx, botEntry.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, removals)

	_, err = s.RemoveLastEntry(ctx, botEntry.ID, 5)
	require.NoError(t, err)

	removals, err = s.PendingRemovals(ctx, botEntry.ID, 10)
	require.NoError(t, err)
	require.Len(t, removals, 1)
	assert.Equal(t, second.UID, removals[0].UID)
	assert.Equal(t, 3, removals[0].SheetRow)

	require.NoError(t, s.MarkCleared(ctx, second.ID, now))
	removals, err = s.PendingRemovals(ctx, botEntry.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, removals)

	stats, err = s.Stats(ctx, botEntry.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Entries)
	assert.Equal(t, int64(0), stats.UnsyncedEntries)
	assert.Equal(t, int64(0), stats.FailedEntries)
}

func TestRemovedBeforeSync_NeverPending(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	botEntry, err := s.EnsureBot(ctx, "test_bot")
	require.NoError(t, err)

	require.NoError(t, s.CreateEntry(ctx, newEntry(botEntry.ID, 5, 1, 100, "food", time.Now())))
	_, err = s.RemoveLastEntry(ctx, botEntry.ID, 5)
	require.NoError(t, err)

	pending, err := s.PendingEntries(ctx, botEntry.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	removals, err := s.PendingRemovals(ctx, botEntry.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, removals, "entries never synced have no row to clear")
}

func TestRemovedAfterFailedAppend_IsPendingRemoval(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	botEntry, err := s.EnsureBot(ctx, "test_bot")
	require.NoError(t, err)

	e := newEntry(botEntry.ID, 5, 1, 100, "food", time.Now())
	require.NoError(t, s.CreateEntry(ctx, e))
	require.NoError(t, s.RecordSyncFailure(ctx, []uint{e.ID}, "googleapi: Error 500"))

	_, err = s.RemoveLastEntry(ctx, botEntry.ID, 5)
	require.NoError(t, err)

	pending, err := s.PendingEntries(ctx, botEntry.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The failed append may still have landed in the sheet.
	removals, err := s.PendingRemovals(ctx, botEntry.ID, 10)
	require.NoError(t, err)
	require.Len(t, removals, 1)
	assert.Equal(t, e.UID, removals[0].UID)
	assert.Nil(t, removals[0].SyncedAt)

	require.NoError(t, s.MarkCleared(ctx, e.ID, time.Now()))
	removals, err = s.PendingRemovals(ctx, botEntry.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, removals)
}

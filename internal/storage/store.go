package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EnsureBot returns the bot row for identifier, creating it on first use.
func (s *Store) EnsureBot(ctx context.Context, identifier string) (BotModel, error) {
	var botEntry BotModel
	err := s.db.WithContext(ctx).Where("identifier = ?", identifier).First(&botEntry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		botEntry = BotModel{Identifier: identifier, Name: identifier}
		if err := s.db.WithContext(ctx).Create(&botEntry).Error; err != nil {
			return BotModel{}, fmt.Errorf("failed to create bot %s: %w", identifier, err)
		}
		return botEntry, nil
	}
	if err != nil {
		return BotModel{}, fmt.Errorf("failed to load bot %s: %w", identifier, err)
	}
	return botEntry, nil
}

func (s *Store) roleByName(ctx context.Context, name string) (Role, error) {
	var role Role
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&role).Error; err != nil {
		return Role{}, fmt.Errorf("failed to get role %s: %w", name, err)
	}
	return role, nil
}

// EnsureOwner makes telegramID the owner of the bot. An existing user is
// promoted; a different existing owner yields ErrOwnerExists.
func (s *Store) EnsureOwner(ctx context.Context, botID uint, telegramID int64) (User, error) {
	var owner User
	err := s.db.WithContext(ctx).Preload("Role").
		Where("bot_id = ? AND is_owner = ?", botID, true).First(&owner).Error
	if err == nil {
		if owner.TelegramID != telegramID {
			return User{}, ErrOwnerExists
		}
		return owner, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, fmt.Errorf("failed to check existing owner: %w", err)
	}

	ownerRole, err := s.roleByName(ctx, RoleOwner)
	if err != nil {
		return User{}, err
	}

	var user User
	err = s.db.WithContext(ctx).Where("bot_id = ? AND telegram_id = ?", botID, telegramID).First(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		user = User{BotID: botID, TelegramID: telegramID, RoleID: ownerRole.ID, IsOwner: true}
		if err := s.db.WithContext(ctx).Omit("Role").Create(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return User{}, ErrOwnerExists
			}
			return User{}, fmt.Errorf("failed to create owner user: %w", err)
		}
	case err != nil:
		return User{}, fmt.Errorf("failed to load user: %w", err)
	default:
		err := s.db.WithContext(ctx).Model(&user).
			Updates(map[string]any{"is_owner": true, "role_id": ownerRole.ID}).Error
		if err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return User{}, ErrOwnerExists
			}
			return User{}, fmt.Errorf("failed to promote owner: %w", err)
		}
		user.IsOwner = true
		user.RoleID = ownerRole.ID
	}

	user.Role = ownerRole
	return user, nil
}

// GetOrCreateUser loads the user with its role, creating a plain user on
// first contact and refreshing a changed username.
func (s *Store) GetOrCreateUser(ctx context.Context, botID uint, telegramID int64, username string) (User, error) {
	user, err := s.findUser(ctx, botID, telegramID)
	if errors.Is(err, ErrNotFound) {
		role, err := s.roleByName(ctx, RoleUser)
		if err != nil {
			return User{}, err
		}
		user = User{
			BotID:      botID,
			TelegramID: telegramID,
			Username:   username,
			RoleID:     role.ID,
			Role:       role,
		}
		if err := s.db.WithContext(ctx).Omit("Role").Create(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// Lost a race with a concurrent update from the same user.
				return s.findUser(ctx, botID, telegramID)
			}
			return User{}, fmt.Errorf("failed to create user: %w", err)
		}
		return user, nil
	}
	if err != nil {
		return User{}, err
	}

	if user.Username != username {
		if err := s.db.WithContext(ctx).Model(&user).Update("username", username).Error; err != nil {
			return User{}, fmt.Errorf("failed to update username: %w", err)
		}
		user.Username = username
	}
	return user, nil
}

func (s *Store) findUser(ctx context.Context, botID uint, telegramID int64) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Preload("Role").
		Where("bot_id = ? AND telegram_id = ?", botID, telegramID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}

// SetUserRole assigns roleName to an existing non-owner user.
func (s *Store) SetUserRole(ctx context.Context, botID uint, telegramID int64, roleName string) (User, error) {
	user, err := s.findUser(ctx, botID, telegramID)
	if err != nil {
		return User{}, err
	}
	if user.IsOwner || roleName == RoleOwner {
		return User{}, ErrOwnerRole
	}

	role, err := s.roleByName(ctx, roleName)
	if err != nil {
		return User{}, err
	}
	if err := s.db.WithContext(ctx).Model(&user).Update("role_id", role.ID).Error; err != nil {
		return User{}, fmt.Errorf("failed to update role: %w", err)
	}
	user.RoleID = role.ID
	user.Role = role
	return user, nil
}

// ClaimUpdate records an update id. It returns false if the update was
// already claimed.
func (s *Store) ClaimUpdate(ctx context.Context, pu ProcessedUpdate) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&pu)
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim update %d: %w", pu.UpdateID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// CreateEntry inserts e, filling its ID.
func (s *Store) CreateEntry(ctx context.Context, e *Entry) error {
	e.RecordedAt = e.RecordedAt.UTC()
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("failed to create entry: %w", err)
	}
	return nil
}

// RecentEntries returns up to limit of the user's latest entries, newest first.
func (s *Store) RecentEntries(ctx context.Context, botID uint, userID int64, limit int) ([]Entry, error) {
	var entries []Entry
	err := s.db.WithContext(ctx).
		Where("bot_id = ? AND user_id = ?", botID, userID).
		Order("recorded_at desc, id desc").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	return entries, nil
}

// AllEntries returns every live entry of the user, oldest first.
func (s *Store) AllEntries(ctx context.Context, botID uint, userID int64) ([]Entry, error) {
	var entries []Entry
	err := s.db.WithContext(ctx).
		Where("bot_id = ? AND user_id = ?", botID, userID).
		Order("recorded_at asc, id asc").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	return entries, nil
}

// RemoveLastEntry soft-deletes the user's most recent entry and returns it.
func (s *Store) RemoveLastEntry(ctx context.Context, botID uint, userID int64) (Entry, error) {
	var e Entry
	err := s.db.WithContext(ctx).
		Where("bot_id = ? AND user_id = ?", botID, userID).
		Order("id desc").
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to find last entry: %w", err)
	}

	if err := s.db.WithContext(ctx).Delete(&e).Error; err != nil {
		return Entry{}, fmt.Errorf("failed to remove entry: %w", err)
	}
	return e, nil
}

// Totals sums the user's entries per category recorded at or after since.
func (s *Store) Totals(ctx context.Context, botID uint, userID int64, since time.Time) ([]CategoryTotal, error) {
	var totals []CategoryTotal
	err := s.db.WithContext(ctx).Model(&Entry{}).
		Select("category, SUM(amount) AS total, COUNT(*) AS count").
		Where("bot_id = ? AND user_id = ? AND recorded_at >= ?", botID, userID, since.UTC()).
		Group("category").
		Order("total desc, category asc").
		Scan(&totals).Error
	if err != nil {
		return nil, fmt.Errorf("failed to compute totals: %w", err)
	}
	return totals, nil
}

// Stats counts the bot's users, entries and processed updates.
func (s *Store) Stats(ctx context.Context, botID uint) (Stats, error) {
	var st Stats
	db := s.db.WithContext(ctx)

	if err := db.Model(&User{}).Where("bot_id = ?", botID).Count(&st.Users).Error; err != nil {
		return Stats{}, err
	}
	if err := db.Model(&Entry{}).Where("bot_id = ?", botID).Count(&st.Entries).Error; err != nil {
		return Stats{}, err
	}
	if err := db.Model(&Entry{}).Where("bot_id = ? AND synced_at IS NULL", botID).Count(&st.UnsyncedEntries).Error; err != nil {
		return Stats{}, err
	}
	if err := db.Model(&Entry{}).Where("bot_id = ? AND synced_at IS NULL AND sync_attempts > 0", botID).Count(&st.FailedEntries).Error; err != nil {
		return Stats{}, err
	}
	if err := db.Model(&ProcessedUpdate{}).Where("bot_id = ?", botID).Count(&st.ProcessedUpdates).Error; err != nil {
		return Stats{}, err
	}
	return st, nil
}

// PendingEntries returns live entries not yet present in the spreadsheet,
// in insertion order.
func (s *Store) PendingEntries(ctx context.Context, botID uint, limit int) ([]Entry, error) {
	var entries []Entry
	err := s.db.WithContext(ctx).
		Where("bot_id = ? AND synced_at IS NULL", botID).
		Order("id asc").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load pending entries: %w", err)
	}
	return entries, nil
}

// PendingRemovals returns deleted entries whose spreadsheet row has not
// been cleared yet. Unsynced entries with a failed append count too, since
// the append may have reached the sheet.
func (s *Store) PendingRemovals(ctx context.Context, botID uint, limit int) ([]Entry, error) {
	var entries []Entry
	err := s.db.WithContext(ctx).Unscoped().
		Where("bot_id = ? AND deleted_at IS NOT NULL AND cleared_at IS NULL AND (synced_at IS NOT NULL OR sync_attempts > 0)", botID).
		Order("id asc").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load pending removals: %w", err)
	}
	return entries, nil
}

// MarkSynced stores the spreadsheet row of an entry. Deleted entries are
// updated too so their row is cleared on the next pass.
func (s *Store) MarkSynced(ctx context.Context, id uint, row int, at time.Time) error {
	err := s.db.WithContext(ctx).Unscoped().Model(&Entry{}).Where("id = ?", id).
		Updates(map[string]any{
			"synced_at":       at.UTC(),
			"sheet_row":       row,
			"last_sync_error": "",
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark entry %d synced: %w", id, err)
	}
	return nil
}

// RecordSyncFailure bumps the attempt counter of every entry in ids.
func (s *Store) RecordSyncFailure(ctx context.Context, ids []uint, cause string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Unscoped().Model(&Entry{}).Where("id IN ?", ids).
		Updates(map[string]any{
			"sync_attempts":   gorm.Expr("sync_attempts + 1"),
			"last_sync_error": cause,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to record sync failure: %w", err)
	}
	return nil
}

// MarkCleared records that a deleted entry no longer occupies a row.
func (s *Store) MarkCleared(ctx context.Context, id uint, at time.Time) error {
	err := s.db.WithContext(ctx).Unscoped().Model(&Entry{}).Where("id = ?", id).
		Update("cleared_at", at.UTC()).Error
	if err != nil {
		return fmt.Errorf("failed to mark entry %d cleared: %w", id, err)
	}
	return nil
}

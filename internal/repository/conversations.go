package repository

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"whatsapp-crm/internal/models"
)

// GetOrCreateConversation returns the conversation for (contactID, channel),
// creating it in initialState with initialContext when absent. An existing
// conversation has its last-interaction time stamped. The bool reports
// whether the row was created.
func GetOrCreateConversation(ctx context.Context, db *gorm.DB, contactID uint, channel, initialState string, initialContext map[string]any, now time.Time) (*models.Conversation, bool, error) {
	conv := &models.Conversation{
		ContactID:       contactID,
		Channel:         channel,
		State:           initialState,
		Context:         datatypes.JSONMap(copyContext(initialContext)),
		LastInteraction: now,
	}
	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(conv)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected > 0 {
		return conv, true, nil
	}

	conv = &models.Conversation{}
	if err := db.WithContext(ctx).
		Where("contact_id = ? AND channel = ?", contactID, channel).
		First(conv).Error; err != nil {
		return nil, false, err
	}
	if err := db.WithContext(ctx).Model(conv).Update("last_interaction", now).Error; err != nil {
		return nil, false, err
	}
	conv.LastInteraction = now
	return conv, false, nil
}

// GetConversation fetches a conversation by primary key.
func GetConversation(ctx context.Context, db *gorm.DB, id uint) (*models.Conversation, error) {
	var c models.Conversation
	if err := db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns conversations most recently active first,
// optionally restricted to one state.
func ListConversations(ctx context.Context, db *gorm.DB, state string, offset, limit int) ([]models.Conversation, error) {
	var out []models.Conversation
	q := db.WithContext(ctx).Order("last_interaction DESC, id DESC").Offset(offset)
	if state != "" {
		q = q.Where("state = ?", state)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return out, q.Find(&out).Error
}

// UpdateConversation sets the state, overlays patch onto the stored context
// and bumps the version in a single transaction. A nil value in patch
// removes that key; keys absent from patch are kept.
func UpdateConversation(ctx context.Context, db *gorm.DB, id uint, state string, patch map[string]any, now time.Time) (*models.Conversation, error) {
	return writeConversation(ctx, db, id, state, now, func(cur datatypes.JSONMap) datatypes.JSONMap {
		return mergeContext(cur, patch)
	})
}

// ResetConversation replaces the state and the whole context.
func ResetConversation(ctx context.Context, db *gorm.DB, id uint, state string, fresh map[string]any, now time.Time) (*models.Conversation, error) {
	return writeConversation(ctx, db, id, state, now, func(datatypes.JSONMap) datatypes.JSONMap {
		return datatypes.JSONMap(copyContext(fresh))
	})
}

// ClearConversationContext drops the named keys and keeps the state.
func ClearConversationContext(ctx context.Context, db *gorm.DB, id uint, keys ...string) (*models.Conversation, error) {
	patch := make(map[string]any, len(keys))
	for _, k := range keys {
		patch[k] = nil
	}
	return writeConversation(ctx, db, id, "", time.Time{}, func(cur datatypes.JSONMap) datatypes.JSONMap {
		return mergeContext(cur, patch)
	})
}

// writeConversation locks the row, applies next to its context and saves.
// An empty state or zero now keeps the stored value.
func writeConversation(ctx context.Context, db *gorm.DB, id uint, state string, now time.Time, next func(datatypes.JSONMap) datatypes.JSONMap) (*models.Conversation, error) {
	var out models.Conversation
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&out, id).Error; err != nil {
			return err
		}
		if state == "" {
			state = out.State
		}
		if now.IsZero() {
			now = out.LastInteraction
		}
		merged := next(out.Context)
		if err := tx.Model(&models.Conversation{}).Where("id = ?", id).Updates(map[string]any{
			"state":            state,
			"context":          merged,
			"last_interaction": now,
			"version":          out.Version + 1,
		}).Error; err != nil {
			return err
		}
		out.State = state
		out.Context = merged
		out.LastInteraction = now
		out.Version++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// mergeContext overlays patch onto base without mutating either.
func mergeContext(base datatypes.JSONMap, patch map[string]any) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func copyContext(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

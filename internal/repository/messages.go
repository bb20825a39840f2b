package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"whatsapp-crm/internal/models"
)

// CreateInboundMessage inserts m unless a row with the same provider message
// id already exists. It reports whether a row was written.
func CreateInboundMessage(ctx context.Context, db *gorm.DB, m *models.Message) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_message_id"}},
			DoNothing: true,
		}).
		Create(m)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CreateMessage inserts a message row.
func CreateMessage(ctx context.Context, db *gorm.DB, m *models.Message) error {
	return db.WithContext(ctx).Create(m).Error
}

// GetMessage fetches a message by primary key.
func GetMessage(ctx context.Context, db *gorm.DB, id uint) (*models.Message, error) {
	var m models.Message
	if err := db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// FindMessageByProviderID looks a message up by the id the provider assigned.
func FindMessageByProviderID(ctx context.Context, db *gorm.DB, providerID string) (*models.Message, error) {
	var m models.Message
	if err := db.WithContext(ctx).Where("provider_message_id = ?", providerID).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListContactMessages returns a contact's messages oldest first.
func ListContactMessages(ctx context.Context, db *gorm.DB, contactID uint, limit int) ([]models.Message, error) {
	var out []models.Message
	q := db.WithContext(ctx).Where("contact_id = ?", contactID).Order("timestamp ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return out, q.Find(&out).Error
}

// ApplyMessageStatus records a provider status event. The status itself is
// last-write-wins; delivery and read stamps are only ever filled, never
// overwritten, and a read also backfills a missing delivery stamp.
func ApplyMessageStatus(ctx context.Context, db *gorm.DB, id uint, status string, at time.Time, errPayload string) error {
	updates := map[string]any{"status": status}
	switch status {
	case models.StatusSent:
		updates["sent_at"] = gorm.Expr("COALESCE(sent_at, ?)", at)
	case models.StatusDelivered:
		updates["delivered_at"] = gorm.Expr("COALESCE(delivered_at, ?)", at)
	case models.StatusRead:
		updates["delivered_at"] = gorm.Expr("COALESCE(delivered_at, ?)", at)
		updates["read_at"] = gorm.Expr("COALESCE(read_at, ?)", at)
	case models.StatusFailed:
		updates["error"] = errPayload
	}
	return db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", id).Updates(updates).Error
}

// MarkMessageSent records a successful provider acceptance.
func MarkMessageSent(ctx context.Context, db *gorm.DB, id uint, providerID string, at time.Time) error {
	updates := map[string]any{
		"status":  models.StatusSent,
		"sent_at": at,
		"error":   "",
	}
	if providerID != "" {
		updates["provider_message_id"] = providerID
	}
	return db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", id).Updates(updates).Error
}

// MarkMessageFailed records a failed attempt and its reason.
func MarkMessageFailed(ctx context.Context, db *gorm.DB, id uint, reason string) error {
	return db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", id).
		Updates(map[string]any{"status": models.StatusFailed, "error": reason}).Error
}

// IncrementAttempts bumps the attempt counter and returns the new value.
func IncrementAttempts(ctx context.Context, db *gorm.DB, id uint) (int, error) {
	var attempts int
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Message{}).Where("id = ?", id).
			Update("attempts", gorm.Expr("attempts + 1")).Error; err != nil {
			return err
		}
		return tx.Model(&models.Message{}).Where("id = ?", id).Pluck("attempts", &attempts).Error
	})
	return attempts, err
}

// ResetFailedMessages moves a campaign's failed messages back to pending with
// a fresh attempt budget and returns their ids.
func ResetFailedMessages(ctx context.Context, db *gorm.DB, campaignID uint) ([]uint, error) {
	var ids []uint
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Message{}).
			Where("campaign_id = ? AND status = ?", campaignID, models.StatusFailed).
			Order("id ASC").
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Model(&models.Message{}).Where("id IN ?", ids).Updates(map[string]any{
			"status":   models.StatusPending,
			"error":    "",
			"attempts": 0,
		}).Error
	})
	return ids, err
}

// PendingCampaignMessageIDs lists campaign messages still pending that were
// created before cutoff.
func PendingCampaignMessageIDs(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]uint, error) {
	var ids []uint
	q := db.WithContext(ctx).Model(&models.Message{}).
		Where("campaign_id IS NOT NULL AND status = ? AND created_at < ?", models.StatusPending, cutoff).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return ids, q.Pluck("id", &ids).Error
}

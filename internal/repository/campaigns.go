package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"whatsapp-crm/internal/models"
)

// CreateCampaign stores c together with one pending outbound message per
// contact and returns the message ids.
func CreateCampaign(ctx context.Context, db *gorm.DB, c *models.Campaign, contactIDs []uint) ([]uint, error) {
	ids := make([]uint, 0, len(contactIDs))
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c.TotalContacts = len(contactIDs)
		c.PendingCount = len(contactIDs)
		c.SentCount, c.FailedCount = 0, 0
		c.Status = models.CampaignPending
		if err := tx.Create(c).Error; err != nil {
			return err
		}
		if len(contactIDs) == 0 {
			return nil
		}

		msgType, content := "text", c.Text
		if c.UsesTemplate() {
			msgType, content = "template", c.TemplateName
		}
		campaignID := c.ID
		msgs := make([]models.Message, 0, len(contactIDs))
		for _, cid := range contactIDs {
			msgs = append(msgs, models.Message{
				ContactID:  cid,
				CampaignID: &campaignID,
				Direction:  models.DirectionOutbound,
				Type:       msgType,
				Status:     models.StatusPending,
				Content:    content,
				Timestamp:  c.CreatedAt,
			})
		}
		if err := tx.CreateInBatches(&msgs, 200).Error; err != nil {
			return err
		}
		for _, m := range msgs {
			ids = append(ids, m.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GetCampaign fetches a campaign by primary key.
func GetCampaign(ctx context.Context, db *gorm.DB, id uint) (*models.Campaign, error) {
	var c models.Campaign
	if err := db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCampaigns returns campaigns newest first.
func ListCampaigns(ctx context.Context, db *gorm.DB, limit int) ([]models.Campaign, error) {
	var out []models.Campaign
	q := db.WithContext(ctx).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return out, q.Find(&out).Error
}

type statusCount struct {
	Status string
	N      int
}

// RecomputeCampaignCounters rebuilds the campaign counters and status from
// the current statuses of its messages. Delivered and read count as sent.
// The campaign row is locked before counting so concurrent recomputes apply
// in order and the last writer always saw the latest statuses.
func RecomputeCampaignCounters(ctx context.Context, db *gorm.DB, campaignID uint) (*models.Campaign, error) {
	var out models.Campaign
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&out, campaignID).Error; err != nil {
			return err
		}

		var rows []statusCount
		if err := tx.Model(&models.Message{}).
			Select("status, COUNT(*) AS n").
			Where("campaign_id = ?", campaignID).
			Group("status").
			Scan(&rows).Error; err != nil {
			return err
		}

		var total, sent, failed, pending int
		for _, r := range rows {
			total += r.N
			switch r.Status {
			case models.StatusSent, models.StatusDelivered, models.StatusRead:
				sent += r.N
			case models.StatusFailed:
				failed += r.N
			default:
				pending += r.N
			}
		}
		status := CampaignStatus(total, sent, failed, pending)

		if err := tx.Model(&models.Campaign{}).Where("id = ?", campaignID).Updates(map[string]any{
			"total_contacts": total,
			"sent_count":     sent,
			"failed_count":   failed,
			"pending_count":  pending,
			"status":         status,
		}).Error; err != nil {
			return err
		}
		out.TotalContacts, out.SentCount, out.FailedCount, out.PendingCount = total, sent, failed, pending
		out.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CampaignStatus derives the campaign status from its counters.
func CampaignStatus(total, sent, failed, pending int) string {
	switch {
	case total == 0 || (sent == 0 && failed == 0):
		return models.CampaignPending
	case pending == 0 && failed == 0:
		return models.CampaignCompleted
	case pending == 0 && sent == 0:
		return models.CampaignFailed
	default:
		return models.CampaignProcessing
	}
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"gorm.io/datatypes"

	"whatsapp-crm/internal/models"
	"whatsapp-crm/internal/repository"
)

const defaultTemplateLanguage = "es"

// CampaignRequest is what an operator submits to start a campaign. Contacts
// are raw phone numbers; ContactIDs reference existing contacts.
type CampaignRequest struct {
	Name             string   `json:"name"`
	Text             string   `json:"text"`
	TemplateName     string   `json:"template_name"`
	TemplateLanguage string   `json:"template_language"`
	TemplateParams   []string `json:"template_params"`
	Contacts         []string `json:"contacts"`
	ContactIDs       []uint   `json:"contact_ids"`
}

func (r CampaignRequest) validate() error {
	var problems []string
	if strings.TrimSpace(r.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(r.Text) == "" && strings.TrimSpace(r.TemplateName) == "" {
		problems = append(problems, "text or template_name is required")
	}
	if len(r.Contacts) == 0 && len(r.ContactIDs) == 0 {
		problems = append(problems, "at least one contact is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidCampaign, strings.Join(problems, "; "))
	}
	return nil
}

// CreateCampaign upserts the recipients, stores the campaign with one pending
// message per distinct contact and queues every message.
func (d *Dispatcher) CreateCampaign(ctx context.Context, req CampaignRequest) (*models.Campaign, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	ids, err := d.resolveContacts(ctx, req)
	if err != nil {
		return nil, err
	}

	camp := &models.Campaign{
		Name:             strings.TrimSpace(req.Name),
		Text:             req.Text,
		TemplateName:     strings.TrimSpace(req.TemplateName),
		TemplateLanguage: strings.TrimSpace(req.TemplateLanguage),
		TemplateParams:   datatypes.JSONSlice[string](req.TemplateParams),
	}
	if camp.UsesTemplate() && camp.TemplateLanguage == "" {
		camp.TemplateLanguage = defaultTemplateLanguage
	}

	msgIDs, err := repository.CreateCampaign(ctx, d.db, camp, ids)
	if err != nil {
		return nil, fmt.Errorf("store campaign: %w", err)
	}
	fresh, err := repository.RecomputeCampaignCounters(ctx, d.db, camp.ID)
	if err != nil {
		return nil, fmt.Errorf("recompute campaign %d: %w", camp.ID, err)
	}
	camp = fresh
	d.publish("campaign.progress", camp)

	queued := d.enqueueAll(msgIDs)
	d.log.Info().Uint("campaign_id", camp.ID).Int("messages", len(msgIDs)).Int("queued", queued).Msg("campaign created")
	return camp, nil
}

// RetryFailed resets a campaign's failed messages to pending with a fresh
// attempt budget and queues them again.
func (d *Dispatcher) RetryFailed(ctx context.Context, campaignID uint) (*models.Campaign, int, error) {
	if _, err := repository.GetCampaign(ctx, d.db, campaignID); err != nil {
		return nil, 0, err
	}
	ids, err := repository.ResetFailedMessages(ctx, d.db, campaignID)
	if err != nil {
		return nil, 0, fmt.Errorf("reset failed messages: %w", err)
	}
	camp, err := repository.RecomputeCampaignCounters(ctx, d.db, campaignID)
	if err != nil {
		return nil, 0, fmt.Errorf("recompute campaign %d: %w", campaignID, err)
	}
	d.publish("campaign.progress", camp)

	d.enqueueAll(ids)
	d.log.Info().Uint("campaign_id", campaignID).Int("reset", len(ids)).Msg("retrying failed messages")
	return camp, len(ids), nil
}

func (d *Dispatcher) enqueueAll(ids []uint) int {
	queued := 0
	for _, id := range ids {
		if d.Enqueue(id) {
			queued++
		}
	}
	return queued
}

// resolveContacts returns distinct contact ids in request order. Unknown ids
// and numbers without digits reject the whole request.
func (d *Dispatcher) resolveContacts(ctx context.Context, req CampaignRequest) ([]uint, error) {
	out := make([]uint, 0, len(req.Contacts)+len(req.ContactIDs))
	var invalid []string

	for _, raw := range req.Contacts {
		c, err := repository.UpsertContact(ctx, d.db, raw, "")
		if errors.Is(err, repository.ErrInvalidIdentity) {
			invalid = append(invalid, fmt.Sprintf("%q", raw))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("upsert contact %q: %w", raw, err)
		}
		out = append(out, c.ID)
	}

	if len(req.ContactIDs) > 0 {
		var found []uint
		if err := d.db.WithContext(ctx).Model(&models.Contact{}).
			Where("id IN ?", req.ContactIDs).Pluck("id", &found).Error; err != nil {
			return nil, fmt.Errorf("load contacts: %w", err)
		}
		for _, id := range req.ContactIDs {
			if !slices.Contains(found, id) {
				invalid = append(invalid, fmt.Sprintf("#%d", id))
				continue
			}
			out = append(out, id)
		}
	}

	if len(invalid) > 0 {
		return nil, fmt.Errorf("%w: unknown or invalid contacts %s", ErrInvalidCampaign, strings.Join(invalid, ", "))
	}

	seen := make(map[uint]bool, len(out))
	uniq := out[:0]
	for _, id := range out {
		if !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}
	return uniq, nil
}

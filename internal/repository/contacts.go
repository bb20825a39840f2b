package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"whatsapp-crm/internal/identity"
	"whatsapp-crm/internal/models"
)

// UpsertContact normalizes raw and returns the single contact stored under
// that identity, creating it when absent. Any other rows whose identity
// normalizes to the same value are merged into the survivor first. name is
// applied when it is richer than what is stored.
func UpsertContact(ctx context.Context, db *gorm.DB, raw, name string) (*models.Contact, error) {
	id := identity.Normalize(raw)
	if !identity.Valid(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIdentity, raw)
	}

	var out *models.Contact
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		matches, err := findByIdentity(tx, id)
		if err != nil {
			return err
		}

		if len(matches) == 0 {
			c := &models.Contact{Identity: id, Name: richerName("", name, id), Tag: models.TagLead}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(c)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Inserted concurrently under the same identity.
				c = &models.Contact{}
				if err := tx.Where("identity = ?", id).First(c).Error; err != nil {
					return err
				}
			}
			out = c
			return nil
		}

		survivor, err := mergeContacts(tx, id, matches)
		if err != nil {
			return err
		}
		if n := richerName(survivor.Name, name, id); n != survivor.Name {
			if err := tx.Model(survivor).Update("name", n).Error; err != nil {
				return err
			}
			survivor.Name = n
		}
		out = survivor
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetContact fetches a contact by primary key.
func GetContact(ctx context.Context, db *gorm.DB, id uint) (*models.Contact, error) {
	var c models.Contact
	if err := db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListContacts pages through contacts by ascending ID.
func ListContacts(ctx context.Context, db *gorm.DB, offset, limit int) ([]models.Contact, error) {
	var out []models.Contact
	q := db.WithContext(ctx).Order("id ASC").Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	return out, q.Find(&out).Error
}

// SetContactTag reclassifies a contact.
func SetContactTag(ctx context.Context, db *gorm.DB, id uint, tag string) error {
	return db.WithContext(ctx).Model(&models.Contact{}).Where("id = ?", id).Update("tag", tag).Error
}

// MergeDuplicateContacts re-normalizes every stored identity and merges each
// group that collapses to the same value. It returns how many rows were
// folded into a survivor.
func MergeDuplicateContacts(ctx context.Context, db *gorm.DB) (int, error) {
	var all []models.Contact
	if err := db.WithContext(ctx).Select("id", "identity").Order("id ASC").Find(&all).Error; err != nil {
		return 0, err
	}

	groups := make(map[string][]uint)
	dirty := make(map[string]bool)
	for _, c := range all {
		id := identity.Normalize(c.Identity)
		if !identity.Valid(id) {
			continue
		}
		groups[id] = append(groups[id], c.ID)
		if c.Identity != id {
			dirty[id] = true
		}
	}

	keys := make([]string, 0, len(groups))
	for id, ids := range groups {
		if len(ids) > 1 || dirty[id] {
			keys = append(keys, id)
		}
	}
	sort.Strings(keys)

	merged := 0
	for _, id := range keys {
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var matches []models.Contact
			if err := tx.Where("id IN ?", groups[id]).Order("id ASC").Find(&matches).Error; err != nil {
				return err
			}
			if len(matches) == 0 {
				return nil
			}
			if _, err := mergeContacts(tx, id, matches); err != nil {
				return err
			}
			merged += len(matches) - 1
			return nil
		})
		if err != nil {
			return merged, fmt.Errorf("merge %s: %w", id, err)
		}
	}
	return merged, nil
}

// identityDigits strips the separators people type into phone numbers so
// the stored identity can be compared as contiguous digits in SQL.
const identityDigits = "REPLACE(REPLACE(REPLACE(REPLACE(REPLACE(REPLACE(REPLACE(identity, ' ', ''), '-', ''), '(', ''), ')', ''), '.', ''), '/', ''), '+', '')"

// findByIdentity returns, lowest ID first, every contact whose stored
// identity normalizes to id. The prefilter compares trailing digits of the
// separator-free identity to keep the candidate set small; the exact match is
// decided in Go.
func findByIdentity(tx *gorm.DB, id string) ([]models.Contact, error) {
	digits := identity.Digits(id)
	suffix := digits
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}

	var candidates []models.Contact
	err := tx.Where("identity = ? OR "+identityDigits+" LIKE ?", id, "%"+suffix+"%").
		Order("id ASC").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	out := candidates[:0]
	for _, c := range candidates {
		if identity.Normalize(c.Identity) == id {
			out = append(out, c)
		}
	}
	return out, nil
}

// mergeContacts folds matches[1:] into matches[0] and stores the survivor
// under the normalized identity. Must run inside a transaction.
func mergeContacts(tx *gorm.DB, id string, matches []models.Contact) (*models.Contact, error) {
	survivor := matches[0]
	if len(matches) == 1 && survivor.Identity == id {
		return &survivor, nil
	}

	for _, dup := range matches[1:] {
		if err := tx.Model(&models.Message{}).
			Where("contact_id = ?", dup.ID).
			Update("contact_id", survivor.ID).Error; err != nil {
			return nil, err
		}

		var convs []models.Conversation
		if err := tx.Where("contact_id = ?", dup.ID).Find(&convs).Error; err != nil {
			return nil, err
		}
		for _, conv := range convs {
			var n int64
			if err := tx.Model(&models.Conversation{}).
				Where("contact_id = ? AND channel = ?", survivor.ID, conv.Channel).
				Count(&n).Error; err != nil {
				return nil, err
			}
			if n > 0 {
				// The survivor already talks on this channel; its state wins.
				if err := tx.Delete(&models.Conversation{}, conv.ID).Error; err != nil {
					return nil, err
				}
				continue
			}
			if err := tx.Model(&models.Conversation{}).
				Where("id = ?", conv.ID).
				Update("contact_id", survivor.ID).Error; err != nil {
				return nil, err
			}
		}

		survivor.Name = richerName(survivor.Name, dup.Name, id)
		if dup.Tag == models.TagClient {
			survivor.Tag = models.TagClient
		}
		for k, v := range dup.Metadata {
			if survivor.Metadata == nil {
				survivor.Metadata = map[string]any{}
			}
			if _, ok := survivor.Metadata[k]; !ok {
				survivor.Metadata[k] = v
			}
		}

		if err := tx.Delete(&models.Contact{}, dup.ID).Error; err != nil {
			return nil, err
		}
	}

	// Duplicates are gone, so the unique index accepts the normalized value.
	survivor.Identity = id
	if survivor.Name == "" {
		survivor.Name = id
	}
	if err := tx.Save(&survivor).Error; err != nil {
		return nil, err
	}
	return &survivor, nil
}

// richerName picks the better display name. A name that is empty or is just
// the number itself loses to any real name; between two real names the
// longer one wins.
func richerName(current, candidate, id string) string {
	current = strings.TrimSpace(current)
	candidate = strings.TrimSpace(candidate)
	switch {
	case isPlaceholderName(candidate, id):
		if current == "" {
			return id
		}
		return current
	case isPlaceholderName(current, id):
		return candidate
	case len([]rune(candidate)) > len([]rune(current)):
		return candidate
	default:
		return current
	}
}

func isPlaceholderName(name, id string) bool {
	return name == "" || identity.Normalize(name) == id
}

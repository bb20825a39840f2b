package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"whatsapp-crm/internal/models"
)

func preloadSteps(db *gorm.DB) *gorm.DB {
	return db.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("position ASC, id ASC")
	})
}

// ActiveFlow returns the active flow with its steps ordered by position.
func ActiveFlow(ctx context.Context, db *gorm.DB) (*models.Flow, error) {
	var f models.Flow
	if err := preloadSteps(db.WithContext(ctx)).Where("active = ?", true).Order("id ASC").First(&f).Error; err != nil {
		return nil, err
	}
	return &f, nil
}

// SeedFlowIfEmpty stores def as the active flow when no flow exists yet.
// The flow row is inserted with ON CONFLICT (name) DO NOTHING, so callers
// racing past the emptiness check (several replicas starting together)
// seed it at most once.
func SeedFlowIfEmpty(ctx context.Context, db *gorm.DB, def *models.Flow) (bool, error) {
	seeded := false
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Flow{}).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		steps := def.Steps
		def.Steps = nil
		def.Active = true
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoNothing: true,
		}).Create(def)
		def.Steps = steps
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		for i := range def.Steps {
			def.Steps[i].FlowID = def.ID
		}
		if len(def.Steps) > 0 {
			if err := tx.Create(&def.Steps).Error; err != nil {
				return err
			}
		}
		seeded = true
		return nil
	})
	return seeded, err
}

// ListFlows returns every flow with its steps.
func ListFlows(ctx context.Context, db *gorm.DB) ([]models.Flow, error) {
	var out []models.Flow
	return out, preloadSteps(db.WithContext(ctx)).Order("id ASC").Find(&out).Error
}

// GetFlow fetches a flow and its steps.
func GetFlow(ctx context.Context, db *gorm.DB, id uint) (*models.Flow, error) {
	var f models.Flow
	if err := preloadSteps(db.WithContext(ctx)).First(&f, id).Error; err != nil {
		return nil, err
	}
	return &f, nil
}

// CreateFlow stores f and its steps. An active flow deactivates the others.
func CreateFlow(ctx context.Context, db *gorm.DB, f *models.Flow) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if f.Active {
			if err := deactivateAll(tx); err != nil {
				return err
			}
		}
		return tx.Create(f).Error
	})
}

// RenameFlow changes a flow's name.
func RenameFlow(ctx context.Context, db *gorm.DB, id uint, name string) error {
	res := db.WithContext(ctx).Model(&models.Flow{}).Where("id = ?", id).Update("name", name)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFlow removes a flow and its steps.
func DeleteFlow(ctx context.Context, db *gorm.DB, id uint) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("flow_id = ?", id).Delete(&models.FlowStep{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&models.Flow{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ActivateFlow makes id the only active flow.
func ActivateFlow(ctx context.Context, db *gorm.DB, id uint) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var f models.Flow
		if err := tx.First(&f, id).Error; err != nil {
			return err
		}
		if err := deactivateAll(tx); err != nil {
			return err
		}
		return tx.Model(&f).Update("active", true).Error
	})
}

func deactivateAll(tx *gorm.DB) error {
	return tx.Model(&models.Flow{}).Where("active = ?", true).Update("active", false).Error
}

// AddFlowStep appends s to a flow. A zero position places it last.
func AddFlowStep(ctx context.Context, db *gorm.DB, flowID uint, s *models.FlowStep) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var f models.Flow
		if err := tx.First(&f, flowID).Error; err != nil {
			return err
		}
		s.FlowID = flowID
		if s.Position == 0 {
			var maxPos int
			if err := tx.Model(&models.FlowStep{}).Where("flow_id = ?", flowID).
				Select("COALESCE(MAX(position), 0)").Row().Scan(&maxPos); err != nil {
				return err
			}
			s.Position = maxPos + 1
		}
		return tx.Create(s).Error
	})
}

// UpdateFlowStep overwrites the editable fields of one step.
func UpdateFlowStep(ctx context.Context, db *gorm.DB, flowID, stepID uint, s *models.FlowStep) (*models.FlowStep, error) {
	var out models.FlowStep
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND flow_id = ?", stepID, flowID).First(&out).Error; err != nil {
			return err
		}
		out.StateKey = s.StateKey
		out.Question = s.Question
		out.Buttons = s.Buttons
		if s.Position != 0 {
			out.Position = s.Position
		}
		return tx.Save(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteFlowStep removes one step from a flow.
func DeleteFlowStep(ctx context.Context, db *gorm.DB, flowID, stepID uint) error {
	res := db.WithContext(ctx).Where("id = ? AND flow_id = ?", stepID, flowID).Delete(&models.FlowStep{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

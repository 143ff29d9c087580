package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Setting is a persisted configuration override. Keys use the environment
// variable names they override, e.g. STRIPE_SECRET_KEY.
type Setting struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Key       string    `gorm:"column:setting_key;size:255;not null;uniqueIndex" json:"key" validate:"required,min=1,max=255"`
	Value     string    `gorm:"type:text" json:"value"`
	Type      string    `gorm:"size:50;not null" json:"type" validate:"required,oneof=string boolean integer duration secret"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LoadSettingOverrides returns all persisted overrides keyed by setting key.
func LoadSettingOverrides(db *gorm.DB) (map[string]string, error) {
	var settings []Setting
	if err := db.Find(&settings).Error; err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	out := make(map[string]string, len(settings))
	for _, s := range settings {
		out[s.Key] = s.Value
	}
	return out, nil
}

// SaveSetting creates or updates a single override.
func SaveSetting(db *gorm.DB, key, value, typ string) error {
	s := Setting{Key: key, Value: value, Type: typ}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "setting_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "type", "updated_at"}),
	}).Create(&s).Error
}

// SettingStore binds SaveSetting to a connection.
type SettingStore struct {
	DB *gorm.DB
}

func (s SettingStore) SaveSetting(key, value, typ string) error {
	return SaveSetting(s.DB, key, value, typ)
}

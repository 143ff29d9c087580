package models

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestSaveSettingUpserts(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "settings.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Setting{}))

	store := SettingStore{DB: db}
	require.NoError(t, store.SaveSetting("BILLING_RETRY_COOLDOWN", "1h", "duration"))
	require.NoError(t, store.SaveSetting("BILLING_RETRY_COOLDOWN", "3h", "duration"))
	require.NoError(t, store.SaveSetting("CASEMGMT_API_KEY", "k", "secret"))

	overrides, err := LoadSettingOverrides(db)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"BILLING_RETRY_COOLDOWN": "3h",
		"CASEMGMT_API_KEY":       "k",
	}, overrides)

	var count int64
	db.Model(&Setting{}).Count(&count)
	assert.Equal(t, int64(2), count)
}

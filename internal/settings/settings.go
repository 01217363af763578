// Package settings — runtime-настройки в БД с единым порядком разрешения:
// переменная окружения SCRIPTGATE_<KEY> → строка в таблице settings → дефолт.
package settings

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"scriptgate/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	KeyMaxDevicesPerUser  = "max_devices_per_user"
	KeyAutoApproveDevices = "auto_approve_devices"
	KeyDeviceExpiryDays   = "device_expiry_days"
	KeyAdminPasswordHash  = "admin_password_hash"
)

type Store struct{ db *gorm.DB }

func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

// Set — upsert значения (хранится как JSON).
func (s *Store) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	row := models.Setting{SettingKey: key, Value: datatypes.JSON(raw)}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "setting_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
}

func (s *Store) raw(key string) (json.RawMessage, bool) {
	var row models.Setting
	if err := s.db.Where("setting_key = ?", key).First(&row).Error; err != nil {
		return nil, false
	}
	return json.RawMessage(row.Value), true
}

func envValue(key string) (string, bool) {
	return os.LookupEnv("SCRIPTGATE_" + strings.ToUpper(key))
}

// ResolveInt: env → db → def.
func (s *Store) ResolveInt(key string, def int) int {
	if v, ok := envValue(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	if raw, ok := s.raw(key); ok {
		var n int
		if err := json.Unmarshal(raw, &n); err == nil {
			return n
		}
	}
	return def
}

// ResolveBool: env → db → def.
func (s *Store) ResolveBool(key string, def bool) bool {
	if v, ok := envValue(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	if raw, ok := s.raw(key); ok {
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			return b
		}
	}
	return def
}

// ResolveString: env → db → def.
func (s *Store) ResolveString(key string, def string) string {
	if v, ok := envValue(key); ok {
		return v
	}
	if raw, ok := s.raw(key); ok {
		var out string
		if err := json.Unmarshal(raw, &out); err == nil {
			return out
		}
	}
	return def
}

// All — карта всех строк таблицы (для админки).
func (s *Store) All() (map[string]json.RawMessage, error) {
	var rows []models.Setting
	if err := s.db.Order("setting_key").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(rows))
	for _, r := range rows {
		out[r.SettingKey] = json.RawMessage(r.Value)
	}
	return out, nil
}

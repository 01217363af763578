package models

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ScriptVersion — версия выдаваемого скрипта. Активна максимум одна.
// Checksum считается по plaintext до шифрования at-rest.
type ScriptVersion struct {
	gorm.Model
	Version     string `gorm:"type:varchar(64);index"`
	Payload     []byte
	Checksum    string `gorm:"type:char(64)"`
	UpdateNotes string `gorm:"type:varchar(255)"`
	IsActive    bool   `gorm:"default:false;index"`
	FileSize    int64  `gorm:"default:0"`
	Encrypted   bool   `gorm:"default:false"`
}

// Setting — key/value настройки в БД (setting_key: "key" зарезервирован в MySQL).
type Setting struct {
	gorm.Model
	SettingKey string         `gorm:"column:setting_key;type:varchar(64);uniqueIndex"`
	Value      datatypes.JSON `gorm:"type:json"`
}

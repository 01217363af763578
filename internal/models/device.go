package models

import (
	"time"

	"gorm.io/gorm"
)

type DeviceStatus string

const (
	DeviceStatusPending DeviceStatus = "pending"
	DeviceStatusActive  DeviceStatus = "active"
	DeviceStatusBlocked DeviceStatus = "blocked"
	DeviceStatusExpired DeviceStatus = "expired"
)

// Device — зарегистрированное устройство пользователя.
// Тройка (owner_id, hwid, fingerprint) уникальна: повторная регистрация
// того же устройства не создаёт вторую строку.
type Device struct {
	gorm.Model
	UUID        string `gorm:"type:char(36);uniqueIndex"`
	OwnerID     uint   `gorm:"uniqueIndex:ux_device_identity,priority:1"`
	HWID        string `gorm:"column:hwid;type:varchar(64);uniqueIndex:ux_device_identity,priority:2"`
	Fingerprint string `gorm:"type:varchar(64);uniqueIndex:ux_device_identity,priority:3"`

	DisplayName string `gorm:"type:varchar(255)"`
	BrowserInfo string `gorm:"type:varchar(255)"`
	OSInfo      string `gorm:"type:varchar(255)"`

	Status DeviceStatus `gorm:"type:varchar(16);default:'pending';index"`

	// зарезервировано под шифрование payload для конкретного устройства
	AESKey string `gorm:"column:aes_key;type:char(64)"`

	ApprovedAt *time.Time
	ApprovedBy string `gorm:"type:varchar(64)"`
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
	UsageCount uint `gorm:"default:0"`
}

// User создаётся лениво при первой регистрации устройства.
type User struct {
	gorm.Model
	Identity   string `gorm:"type:varchar(255);uniqueIndex"`
	LastActive *time.Time
}

package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	RequestTypeNew     = "new"
	RequestTypeReplace = "replace"

	RequestStatusPending  = "pending"
	RequestStatusApproved = "approved"
	RequestStatusDenied   = "denied"
)

// DeviceApprovalRequest — заявка на одобрение нового устройства.
// Создаётся один раз при регистрации, закрывается одним действием админа.
type DeviceApprovalRequest struct {
	gorm.Model
	DeviceID          uint   `gorm:"index"`
	RequestedIdentity string `gorm:"type:varchar(255)"`
	RequestType       string `gorm:"type:varchar(16);default:'new'"`
	Status            string `gorm:"type:varchar(16);default:'pending';index"`
	ProcessedBy       string `gorm:"type:varchar(64)"`
	ProcessedAt       *time.Time
	AdminNotes        string `gorm:"type:varchar(255)"`
}

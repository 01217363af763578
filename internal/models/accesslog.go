package models

import "gorm.io/gorm"

const (
	DeviceActionRegistered = "registered"
	DeviceActionValidated  = "validated"
	DeviceActionDelivered  = "delivered"
	DeviceActionApproved   = "approved"
	DeviceActionDenied     = "denied"
	DeviceActionBlocked    = "blocked"
	DeviceActionUnblocked  = "unblocked"
	DeviceActionDeleted    = "deleted"
)

// DeviceAccessLog — журнал действий по устройству (для админки).
type DeviceAccessLog struct {
	gorm.Model
	DeviceUUID string `gorm:"type:char(36);index"`
	Action     string `gorm:"type:varchar(32);index"`
	Detail     string `gorm:"type:varchar(255)"`
}

// Package identity — хранилище пользователей и устройств.
// Вся дедупликация держится на уникальных индексах БД, не на check-then-insert.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"scriptgate/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct{ db *gorm.DB }

func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

// DeviceMeta — необязательные поля регистрации.
type DeviceMeta struct {
	DisplayName string
	BrowserInfo string
	OSInfo      string
}

// GetOrCreateUser — create-if-absent без гонки: INSERT ... ON CONFLICT DO NOTHING,
// затем чтение. Обновляет last_active.
func (s *Store) GetOrCreateUser(identity string) (*models.User, error) {
	u := models.User{Identity: identity}
	if err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity"}},
		DoNothing: true,
	}).Create(&u).Error; err != nil {
		return nil, err
	}
	if err := s.db.Where("identity = ?", identity).First(&u).Error; err != nil {
		return nil, err
	}
	now := time.Now()
	_ = s.db.Model(&models.User{}).Where("id = ?", u.ID).Update("last_active", now).Error
	u.LastActive = &now
	return &u, nil
}

// GetUser — чтение без создания (для check/deliver).
func (s *Store) GetUser(identity string) (*models.User, bool, error) {
	var u models.User
	err := s.db.Where("identity = ?", identity).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &u, true, nil
}

// FindDevice — поиск по канонической тройке. Not-found — не ошибка.
func (s *Store) FindDevice(ownerID uint, hwid, fp string) (*models.Device, bool, error) {
	var d models.Device
	err := s.db.Where("owner_id = ? AND hwid = ? AND fingerprint = ?", ownerID, hwid, fp).
		First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &d, true, nil
}

// GetByUUID — поиск по публичному идентификатору.
func (s *Store) GetByUUID(id string) (*models.Device, bool, error) {
	var d models.Device
	err := s.db.Where("uuid = ?", id).First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &d, true, nil
}

// RegisterDevice — создаёт устройство либо возвращает существующее
// (duplicate=true). Конкурентная регистрация того же устройства безопасна:
// конфликт по ux_device_identity трактуется как дубликат.
// usage_count при регистрации не трогаем, только last_used_at у дубликата.
func (s *Store) RegisterDevice(ownerID uint, hwid, fp string, meta DeviceMeta,
	initial models.DeviceStatus, expiresAt *time.Time) (*models.Device, bool, error) {

	d := models.Device{
		UUID:        uuid.NewString(),
		OwnerID:     ownerID,
		HWID:        hwid,
		Fingerprint: fp,
		DisplayName: meta.DisplayName,
		BrowserInfo: meta.BrowserInfo,
		OSInfo:      meta.OSInfo,
		Status:      initial,
		AESKey:      newAESKey(),
		ExpiresAt:   expiresAt,
	}
	if initial == models.DeviceStatusActive {
		now := time.Now()
		d.ApprovedAt = &now
		d.ApprovedBy = "system"
	}

	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "hwid"}, {Name: "fingerprint"}},
		DoNothing: true,
	}).Create(&d)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected > 0 {
		return &d, false, nil
	}

	// конфликт — устройство уже есть
	existing, ok, err := s.FindDevice(ownerID, hwid, fp)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, errors.New("identity: device vanished after conflict")
	}
	now := time.Now()
	_ = s.db.Model(&models.Device{}).Where("id = ?", existing.ID).
		Update("last_used_at", now).Error
	existing.LastUsedAt = &now
	return existing, true, nil
}

// CountActiveOrPending — для лимита устройств на пользователя.
func (s *Store) CountActiveOrPending(ownerID uint) (int64, error) {
	var n int64
	err := s.db.Model(&models.Device{}).
		Where("owner_id = ? AND status IN ?", ownerID,
			[]models.DeviceStatus{models.DeviceStatusActive, models.DeviceStatusPending}).
		Count(&n).Error
	return n, err
}

// UpdateStatus — чистый переход статуса. approved_at/approved_by
// проставляются только при переходе в active.
func (s *Store) UpdateStatus(deviceUUID string, st models.DeviceStatus, approvedBy string) error {
	upd := map[string]any{"status": st}
	if st == models.DeviceStatusActive {
		upd["approved_at"] = time.Now()
		upd["approved_by"] = approvedBy
	}
	return s.db.Model(&models.Device{}).Where("uuid = ?", deviceUUID).Updates(upd).Error
}

// SetExpiry — срок действия устройства (nil = бессрочно).
func (s *Store) SetExpiry(deviceUUID string, t *time.Time) error {
	return s.db.Model(&models.Device{}).Where("uuid = ?", deviceUUID).
		Update("expires_at", t).Error
}

// TouchUsage — атомарный инкремент на стороне БД (без read-modify-write).
func (s *Store) TouchUsage(deviceID uint) error {
	return s.db.Model(&models.Device{}).Where("id = ?", deviceID).
		Updates(map[string]any{
			"usage_count":  gorm.Expr("usage_count + 1"),
			"last_used_at": time.Now(),
		}).Error
}

// BlockOtherActive — блокирует все остальные активные устройства пользователя
// (политика replace при одобрении).
func (s *Store) BlockOtherActive(ownerID, exceptID uint) (int64, error) {
	res := s.db.Model(&models.Device{}).
		Where("owner_id = ? AND id <> ? AND status = ?", ownerID, exceptID, models.DeviceStatusActive).
		Update("status", models.DeviceStatusBlocked)
	return res.RowsAffected, res.Error
}

// DeleteDevice — жёсткое удаление устройства и его заявок. Необратимо.
func (s *Store) DeleteDevice(deviceUUID string) error {
	d, ok, err := s.GetByUUID(deviceUUID)
	if err != nil {
		return err
	}
	if !ok {
		return gorm.ErrRecordNotFound
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("device_id = ?", d.ID).
			Delete(&models.DeviceApprovalRequest{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Delete(&models.Device{}, d.ID).Error
	})
}

// ListDevices — для админки; status="" — все.
func (s *Store) ListDevices(status models.DeviceStatus) ([]models.Device, error) {
	q := s.db.Order("id")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.Device
	err := q.Find(&out).Error
	return out, err
}

// ── approval requests ───────────────────────────────────────

func (s *Store) CreateApprovalRequest(deviceID uint, identity, reqType string) error {
	r := models.DeviceApprovalRequest{
		DeviceID:          deviceID,
		RequestedIdentity: identity,
		RequestType:       reqType,
		Status:            models.RequestStatusPending,
	}
	return s.db.Create(&r).Error
}

func (s *Store) ListPendingRequests() ([]models.DeviceApprovalRequest, error) {
	var out []models.DeviceApprovalRequest
	err := s.db.Where("status = ?", models.RequestStatusPending).Order("id").Find(&out).Error
	return out, err
}

// ResolveRequests — закрывает открытые заявки устройства. Повторный вызов —
// no-op (уже закрытые строки не трогаем).
func (s *Store) ResolveRequests(deviceID uint, status, by, notes string) error {
	return s.db.Model(&models.DeviceApprovalRequest{}).
		Where("device_id = ? AND status = ?", deviceID, models.RequestStatusPending).
		Updates(map[string]any{
			"status":       status,
			"processed_by": by,
			"processed_at": time.Now(),
			"admin_notes":  notes,
		}).Error
}

// ── access log ──────────────────────────────────────────────

func (s *Store) LogAction(deviceUUID, action, detail string) {
	_ = s.db.Create(&models.DeviceAccessLog{
		DeviceUUID: deviceUUID,
		Action:     action,
		Detail:     detail,
	}).Error
}

func (s *Store) RecentLogs(limit int) ([]models.DeviceAccessLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []models.DeviceAccessLog
	err := s.db.Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

func newAESKey() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

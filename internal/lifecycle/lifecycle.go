// Package lifecycle — конечный автомат статусов устройства.
//
// pending → active (approve) | blocked (deny)
// active  → blocked (block)  | expired (lazy, по expires_at)
// blocked → active (unblock) — единственный выход
// expired → active (approve, реактивация админом)
package lifecycle

import (
	"errors"
	"time"

	"scriptgate/internal/models"
)

type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomePending  Outcome = "pending"
	OutcomeBlocked  Outcome = "blocked"
	OutcomeExpired  Outcome = "expired"
	OutcomeNotFound Outcome = "not_found"
)

var ErrInvalidTransition = errors.New("lifecycle: invalid transition")

// DeviceStore — нужная автомату часть identity.Store.
type DeviceStore interface {
	UpdateStatus(deviceUUID string, st models.DeviceStatus, approvedBy string) error
	BlockOtherActive(ownerID, exceptID uint) (int64, error)
	ResolveRequests(deviceID uint, status, by, notes string) error
	CountActiveOrPending(ownerID uint) (int64, error)
}

type Machine struct {
	store DeviceStore
	now   func() time.Time
}

func NewMachine(store DeviceStore) *Machine {
	return &Machine{store: store, now: time.Now}
}

// Authorize — решение о доступе. Просроченный expires_at даёт expired
// независимо от сохранённого статуса и лениво дописывается в БД.
func (m *Machine) Authorize(d *models.Device) Outcome {
	if d == nil {
		return OutcomeNotFound
	}
	if d.ExpiresAt != nil && m.now().After(*d.ExpiresAt) {
		if d.Status != models.DeviceStatusExpired {
			_ = m.store.UpdateStatus(d.UUID, models.DeviceStatusExpired, "")
			d.Status = models.DeviceStatusExpired
		}
		return OutcomeExpired
	}
	switch d.Status {
	case models.DeviceStatusActive:
		return OutcomeApproved
	case models.DeviceStatusPending:
		return OutcomePending
	case models.DeviceStatusBlocked:
		return OutcomeBlocked
	case models.DeviceStatusExpired:
		return OutcomeExpired
	default:
		return OutcomeNotFound
	}
}

// InitialStatus — стартовый статус новой регистрации.
func InitialStatus(autoApprove bool) models.DeviceStatus {
	if autoApprove {
		return models.DeviceStatusActive
	}
	return models.DeviceStatusPending
}

// LimitExceeded — достигнут ли лимит устройств (active+pending) пользователя.
// Дедуп-путь регистрации проверяется раньше и под лимит не попадает.
func (m *Machine) LimitExceeded(ownerID uint, max int) (bool, error) {
	if max <= 0 {
		return false, nil
	}
	n, err := m.store.CountActiveOrPending(ownerID)
	if err != nil {
		return false, err
	}
	return n >= int64(max), nil
}

// Approve — pending|expired → active. Повтор на active — no-op.
// replace=true блокирует остальные активные устройства владельца.
func (m *Machine) Approve(d *models.Device, by string, replace bool) error {
	switch d.Status {
	case models.DeviceStatusActive:
		// идемпотентный повтор
	case models.DeviceStatusPending, models.DeviceStatusExpired:
		if err := m.store.UpdateStatus(d.UUID, models.DeviceStatusActive, by); err != nil {
			return err
		}
		d.Status = models.DeviceStatusActive
	default:
		return ErrInvalidTransition
	}
	if err := m.store.ResolveRequests(d.ID, models.RequestStatusApproved, by, ""); err != nil {
		return err
	}
	if replace {
		if _, err := m.store.BlockOtherActive(d.OwnerID, d.ID); err != nil {
			return err
		}
	}
	return nil
}

// Deny — pending → blocked, заявка закрывается как denied.
func (m *Machine) Deny(d *models.Device, by, notes string) error {
	switch d.Status {
	case models.DeviceStatusBlocked:
		// уже заблокировано
	case models.DeviceStatusPending:
		if err := m.store.UpdateStatus(d.UUID, models.DeviceStatusBlocked, ""); err != nil {
			return err
		}
		d.Status = models.DeviceStatusBlocked
	default:
		return ErrInvalidTransition
	}
	return m.store.ResolveRequests(d.ID, models.RequestStatusDenied, by, notes)
}

// Block — active|pending → blocked. Повтор — no-op.
func (m *Machine) Block(d *models.Device) error {
	switch d.Status {
	case models.DeviceStatusBlocked:
		return nil
	case models.DeviceStatusActive, models.DeviceStatusPending:
		if err := m.store.UpdateStatus(d.UUID, models.DeviceStatusBlocked, ""); err != nil {
			return err
		}
		d.Status = models.DeviceStatusBlocked
		return nil
	default:
		return ErrInvalidTransition
	}
}

// Unblock — blocked → active. Повтор на active — no-op.
func (m *Machine) Unblock(d *models.Device, by string) error {
	switch d.Status {
	case models.DeviceStatusActive:
		return nil
	case models.DeviceStatusBlocked:
		if err := m.store.UpdateStatus(d.UUID, models.DeviceStatusActive, by); err != nil {
			return err
		}
		d.Status = models.DeviceStatusActive
		return nil
	default:
		return ErrInvalidTransition
	}
}

// Package scripts — реестр версий выдаваемого скрипта.
// Инвариант: активна максимум одна версия; checksum всегда по plaintext.
package scripts

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"scriptgate/internal/models"

	"gorm.io/gorm"
)

var (
	ErrActive     = errors.New("scripts: version is active")
	ErrNoneActive = errors.New("scripts: no active version")
	ErrIntegrity  = errors.New("scripts: checksum mismatch")
)

type Registry struct {
	db  *gorm.DB
	key []byte // AES-256 ключ для шифрования at-rest; nil = хранить открыто
}

func NewRegistry(db *gorm.DB, payloadKey []byte) (*Registry, error) {
	if len(payloadKey) != 0 && len(payloadKey) != 32 {
		return nil, fmt.Errorf("scripts: payload key must be 32 bytes, got %d", len(payloadKey))
	}
	return &Registry{db: db, key: payloadKey}, nil
}

// Upload — новая версия, неактивная. Checksum считается до шифрования.
func (r *Registry) Upload(version string, payload []byte, notes string) (*models.ScriptVersion, error) {
	sum := sha256.Sum256(payload)
	stored := payload
	encrypted := false
	if r.key != nil {
		enc, err := r.seal(payload)
		if err != nil {
			return nil, err
		}
		stored = enc
		encrypted = true
	}
	sv := models.ScriptVersion{
		Version:     version,
		Payload:     stored,
		Checksum:    hex.EncodeToString(sum[:]),
		UpdateNotes: notes,
		IsActive:    false,
		FileSize:    int64(len(payload)),
		Encrypted:   encrypted,
	}
	if err := r.db.Create(&sv).Error; err != nil {
		return nil, err
	}
	return &sv, nil
}

// Activate — деактивировать все, активировать одну. Одна транзакция:
// конкурентные вызовы не оставят ни ноль, ни две активных строки.
func (r *Registry) Activate(id uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var sv models.ScriptVersion
		if err := tx.Select("id").First(&sv, id).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.ScriptVersion{}).
			Where("is_active = ?", true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Model(&models.ScriptVersion{}).
			Where("id = ?", id).
			Update("is_active", true).Error
	})
}

// Deactivate — снять флаг активности (скрипт перестаёт выдаваться).
func (r *Registry) Deactivate(id uint) error {
	return r.db.Model(&models.ScriptVersion{}).
		Where("id = ?", id).
		Update("is_active", false).Error
}

// GetActive — текущая активная версия с расшифрованным payload.
// Перед выдачей checksum пересчитывается; расхождение — фатально (ErrIntegrity).
func (r *Registry) GetActive() (*models.ScriptVersion, error) {
	var sv models.ScriptVersion
	err := r.db.Where("is_active = ?", true).First(&sv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoneActive
		}
		return nil, err
	}
	if sv.Encrypted {
		plain, err := r.open(sv.Payload)
		if err != nil {
			return nil, ErrIntegrity
		}
		sv.Payload = plain
		sv.Encrypted = false
	}
	sum := sha256.Sum256(sv.Payload)
	if hex.EncodeToString(sum[:]) != sv.Checksum {
		return nil, ErrIntegrity
	}
	return &sv, nil
}

// Delete — активную версию удалить нельзя.
func (r *Registry) Delete(id uint) error {
	var sv models.ScriptVersion
	if err := r.db.Select("id", "is_active").First(&sv, id).Error; err != nil {
		return err
	}
	if sv.IsActive {
		return ErrActive
	}
	return r.db.Unscoped().Delete(&models.ScriptVersion{}, id).Error
}

// List — версии без payload (для админки).
func (r *Registry) List() ([]models.ScriptVersion, error) {
	var out []models.ScriptVersion
	err := r.db.Omit("payload").Order("id DESC").Find(&out).Error
	return out, err
}

// ── at-rest шифрование (AES-256-GCM, nonce в префиксе) ──────

func (r *Registry) seal(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(r.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func (r *Registry) open(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(r.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("scripts: sealed payload too short")
	}
	return gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
}

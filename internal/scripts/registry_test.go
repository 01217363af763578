package scripts

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"scriptgate/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func setupRegistry(t *testing.T, key []byte) (*Registry, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:scripts_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.ScriptVersion{}); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	r, err := NewRegistry(db, key)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return r, db
}

func countActive(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&models.ScriptVersion{}).Where("is_active = ?", true).Count(&n).Error; err != nil {
		t.Fatalf("count active: %v", err)
	}
	return n
}

func TestUploadComputesChecksum(t *testing.T) {
	r, _ := setupRegistry(t, nil)
	payload := []byte("// ==UserScript==\nconsole.log('hi')\n")

	sv, err := r.Upload("1.0.0", payload, "initial")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	want := sha256.Sum256(payload)
	if sv.Checksum != hex.EncodeToString(want[:]) {
		t.Fatalf("checksum mismatch: %s", sv.Checksum)
	}
	if sv.IsActive {
		t.Fatalf("new version must not be active")
	}
	if sv.FileSize != int64(len(payload)) {
		t.Fatalf("file_size: expected %d, got %d", len(payload), sv.FileSize)
	}
}

func TestActivateSingleWinner(t *testing.T) {
	r, db := setupRegistry(t, nil)
	a, _ := r.Upload("1.0.0", []byte("a"), "")
	b, _ := r.Upload("1.1.0", []byte("b"), "")
	c, _ := r.Upload("2.0.0", []byte("c"), "")

	for _, id := range []uint{a.ID, b.ID, c.ID, a.ID} {
		if err := r.Activate(id); err != nil {
			t.Fatalf("activate %d: %v", id, err)
		}
		if n := countActive(t, db); n != 1 {
			t.Fatalf("expected exactly one active after activate(%d), got %d", id, n)
		}
	}

	sv, err := r.GetActive()
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if sv.ID != a.ID {
		t.Fatalf("expected last activated (%d), got %d", a.ID, sv.ID)
	}
}

func TestActivateMissingIsNotFound(t *testing.T) {
	r, db := setupRegistry(t, nil)
	r.Upload("1.0.0", []byte("a"), "")

	if err := r.Activate(999); err != gorm.ErrRecordNotFound {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
	if n := countActive(t, db); n != 0 {
		t.Fatalf("failed activation must not change rows, got %d active", n)
	}
}

func TestGetActiveNone(t *testing.T) {
	r, _ := setupRegistry(t, nil)
	if _, err := r.GetActive(); err != ErrNoneActive {
		t.Fatalf("expected ErrNoneActive, got %v", err)
	}
}

func TestDeleteActiveConflicts(t *testing.T) {
	r, _ := setupRegistry(t, nil)
	sv, _ := r.Upload("1.0.0", []byte("a"), "")
	if err := r.Activate(sv.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := r.Delete(sv.ID); err != ErrActive {
		t.Fatalf("expected ErrActive, got %v", err)
	}
	if err := r.Deactivate(sv.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := r.Delete(sv.ID); err != nil {
		t.Fatalf("delete after deactivate: %v", err)
	}
}

func TestTamperedPayloadFailsIntegrity(t *testing.T) {
	r, db := setupRegistry(t, nil)
	sv, _ := r.Upload("1.0.0", []byte("legit payload"), "")
	r.Activate(sv.ID)

	// порча payload в обход реестра
	if err := db.Model(&models.ScriptVersion{}).Where("id = ?", sv.ID).
		Update("payload", []byte("evil payload")).Error; err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if _, err := r.GetActive(); err != ErrIntegrity {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
}

func TestEncryptedAtRestRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	r, db := setupRegistry(t, key)
	payload := []byte("secret userscript body")

	sv, err := r.Upload("1.0.0", payload, "")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !sv.Encrypted {
		t.Fatalf("payload not marked encrypted")
	}

	// в БД лежит не plaintext
	var stored models.ScriptVersion
	db.First(&stored, sv.ID)
	if bytes.Contains(stored.Payload, payload) {
		t.Fatalf("plaintext payload stored at rest")
	}

	r.Activate(sv.ID)
	got, err := r.GetActive()
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatalf("decrypted payload differs")
	}
	want := sha256.Sum256(payload)
	if got.Checksum != hex.EncodeToString(want[:]) {
		t.Fatalf("checksum is not over plaintext")
	}
}

func TestEncryptedTamperFailsIntegrity(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	r, db := setupRegistry(t, key)
	sv, _ := r.Upload("1.0.0", []byte("secret"), "")
	r.Activate(sv.ID)

	var stored models.ScriptVersion
	db.First(&stored, sv.ID)
	stored.Payload[len(stored.Payload)-1] ^= 0xff
	db.Model(&models.ScriptVersion{}).Where("id = ?", sv.ID).Update("payload", stored.Payload)

	if _, err := r.GetActive(); err != ErrIntegrity {
		t.Fatalf("expected ErrIntegrity on tampered ciphertext, got %v", err)
	}
}

func TestNewRegistryRejectsBadKey(t *testing.T) {
	_, db := setupRegistry(t, nil)
	if _, err := NewRegistry(db, []byte("short")); err == nil {
		t.Fatalf("expected error for non-32-byte key")
	}
}

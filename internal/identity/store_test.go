package identity

import (
	"fmt"
	"testing"
	"time"

	"scriptgate/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:identity_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(
		&models.User{}, &models.Device{},
		&models.DeviceApprovalRequest{}, &models.DeviceAccessLog{},
	); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func TestGetOrCreateUserIdempotent(t *testing.T) {
	s := NewStore(setupDB(t))

	u1, err := s.GetOrCreateUser("a@x.com")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	u2, err := s.GetOrCreateUser("a@x.com")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if u1.ID != u2.ID {
		t.Fatalf("expected same user, got %d and %d", u1.ID, u2.ID)
	}
	if u2.LastActive == nil {
		t.Fatalf("last_active not updated")
	}
}

func TestRegisterDeviceIdempotent(t *testing.T) {
	s := NewStore(setupDB(t))
	u, _ := s.GetOrCreateUser("a@x.com")

	d1, dup, err := s.RegisterDevice(u.ID, "H1", "F1", DeviceMeta{DisplayName: "laptop"},
		models.DeviceStatusPending, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if dup {
		t.Fatalf("first registration flagged duplicate")
	}
	if d1.AESKey == "" || len(d1.AESKey) != 64 {
		t.Fatalf("aes key not generated: %q", d1.AESKey)
	}

	d2, dup, err := s.RegisterDevice(u.ID, "H1", "F1", DeviceMeta{}, models.DeviceStatusPending, nil)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if !dup {
		t.Fatalf("re-registration not flagged duplicate")
	}
	if d2.ID != d1.ID || d2.UUID != d1.UUID {
		t.Fatalf("duplicate returned different device: %d vs %d", d2.ID, d1.ID)
	}
	if d2.UsageCount != 0 {
		t.Fatalf("registration must not bump usage_count, got %d", d2.UsageCount)
	}
	if d2.LastUsedAt == nil {
		t.Fatalf("duplicate registration must refresh last_used_at")
	}

	var n int64
	if err := s.db.Model(&models.Device{}).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one device row, got %d", n)
	}
}

func TestRegisterDeviceDistinctTriples(t *testing.T) {
	s := NewStore(setupDB(t))
	u, _ := s.GetOrCreateUser("a@x.com")

	if _, _, err := s.RegisterDevice(u.ID, "H1", "F1", DeviceMeta{}, models.DeviceStatusPending, nil); err != nil {
		t.Fatalf("register 1: %v", err)
	}
	// тот же hwid, другой fingerprint — другое устройство
	_, dup, err := s.RegisterDevice(u.ID, "H1", "F2", DeviceMeta{}, models.DeviceStatusPending, nil)
	if err != nil {
		t.Fatalf("register 2: %v", err)
	}
	if dup {
		t.Fatalf("distinct fingerprint flagged duplicate")
	}

	n, err := s.CountActiveOrPending(u.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 active/pending, got %d", n)
	}
}

func TestCountActiveOrPendingSkipsBlocked(t *testing.T) {
	s := NewStore(setupDB(t))
	u, _ := s.GetOrCreateUser("a@x.com")

	d, _, _ := s.RegisterDevice(u.ID, "H1", "F1", DeviceMeta{}, models.DeviceStatusActive, nil)
	s.RegisterDevice(u.ID, "H2", "F2", DeviceMeta{}, models.DeviceStatusPending, nil)

	if err := s.UpdateStatus(d.UUID, models.DeviceStatusBlocked, ""); err != nil {
		t.Fatalf("block: %v", err)
	}
	n, _ := s.CountActiveOrPending(u.ID)
	if n != 1 {
		t.Fatalf("blocked device counted: got %d", n)
	}
}

func TestUpdateStatusStampsApproval(t *testing.T) {
	s := NewStore(setupDB(t))
	u, _ := s.GetOrCreateUser("a@x.com")
	d, _, _ := s.RegisterDevice(u.ID, "H1", "F1", DeviceMeta{}, models.DeviceStatusPending, nil)

	if err := s.UpdateStatus(d.UUID, models.DeviceStatusActive, "admin"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	got, ok, _ := s.GetByUUID(d.UUID)
	if !ok {
		t.Fatalf("device lost")
	}
	if got.ApprovedAt == nil || got.ApprovedBy != "admin" {
		t.Fatalf("approved_at/by not stamped: %+v", got)
	}

	// блокировка не трогает отметку одобрения
	if err := s.UpdateStatus(d.UUID, models.DeviceStatusBlocked, "other"); err != nil {
		t.Fatalf("block: %v", err)
	}
	got, _, _ = s.GetByUUID(d.UUID)
	if got.ApprovedBy != "admin" {
		t.Fatalf("approved_by overwritten on block: %q", got.ApprovedBy)
	}
}

func TestTouchUsageIncrements(t *testing.T) {
	s := NewStore(setupDB(t))
	u, _ := s.GetOrCreateUser("a@x.com")
	d, _, _ := s.RegisterDevice(u.ID, "H1", "F1", DeviceMeta{}, models.DeviceStatusActive, nil)

	for i := 0; i < 3; i++ {
		if err := s.TouchUsage(d.ID); err != nil {
			t.Fatalf("touch %d: %v", i, err)
		}
	}
	got, _, _ := s.GetByUUID(d.UUID)
	if got.UsageCount != 3 {
		t.Fatalf("expected usage_count=3, got %d", got.UsageCount)
	}
	if got.LastUsedAt == nil {
		t.Fatalf("last_used_at not set")
	}
}

func TestBlockOtherActive(t *testing.T) {
	s := NewStore(setupDB(t))
	u, _ := s.GetOrCreateUser("a@x.com")
	keep, _, _ := s.RegisterDevice(u.ID, "H1", "F1", DeviceMeta{}, models.DeviceStatusActive, nil)
	s.RegisterDevice(u.ID, "H2", "F2", DeviceMeta{}, models.DeviceStatusActive, nil)
	s.RegisterDevice(u.ID, "H3", "F3", DeviceMeta{}, models.DeviceStatusPending, nil)

	n, err := s.BlockOtherActive(u.ID, keep.ID)
	if err != nil {
		t.Fatalf("block others: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 blocked, got %d", n)
	}
	got, _, _ := s.GetByUUID(keep.UUID)
	if got.Status != models.DeviceStatusActive {
		t.Fatalf("kept device lost active status: %s", got.Status)
	}
}

func TestDeleteDeviceRemovesRequests(t *testing.T) {
	s := NewStore(setupDB(t))
	u, _ := s.GetOrCreateUser("a@x.com")
	d, _, _ := s.RegisterDevice(u.ID, "H1", "F1", DeviceMeta{}, models.DeviceStatusPending, nil)
	if err := s.CreateApprovalRequest(d.ID, "a@x.com", models.RequestTypeNew); err != nil {
		t.Fatalf("request: %v", err)
	}

	if err := s.DeleteDevice(d.UUID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.GetByUUID(d.UUID); ok {
		t.Fatalf("device still present after delete")
	}
	var n int64
	s.db.Model(&models.DeviceApprovalRequest{}).Count(&n)
	if n != 0 {
		t.Fatalf("approval requests not cleaned up: %d", n)
	}

	// удалённая тройка может зарегистрироваться заново
	_, dup, err := s.RegisterDevice(u.ID, "H1", "F1", DeviceMeta{}, models.DeviceStatusPending, nil)
	if err != nil {
		t.Fatalf("re-register after delete: %v", err)
	}
	if dup {
		t.Fatalf("re-register after hard delete flagged duplicate")
	}
}

func TestResolveRequestsIdempotent(t *testing.T) {
	s := NewStore(setupDB(t))
	u, _ := s.GetOrCreateUser("a@x.com")
	d, _, _ := s.RegisterDevice(u.ID, "H1", "F1", DeviceMeta{}, models.DeviceStatusPending, nil)
	s.CreateApprovalRequest(d.ID, "a@x.com", models.RequestTypeNew)

	if err := s.ResolveRequests(d.ID, models.RequestStatusApproved, "admin", ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	pending, _ := s.ListPendingRequests()
	if len(pending) != 0 {
		t.Fatalf("request still pending after resolve")
	}

	// повторный resolve другим статусом не перетирает закрытую заявку
	if err := s.ResolveRequests(d.ID, models.RequestStatusDenied, "admin", ""); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	var r models.DeviceApprovalRequest
	s.db.First(&r)
	if r.Status != models.RequestStatusApproved {
		t.Fatalf("closed request mutated: %s", r.Status)
	}
}

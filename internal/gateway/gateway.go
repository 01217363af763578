// Package gateway — HTTP-слой выдачи скрипта: регистрация устройств,
// проверка статуса, доставка payload и админские операции.
// Вся бизнес-логика живёт в identity/lifecycle/scripts; здесь — композиция.
package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"scriptgate/internal/identity"
	"scriptgate/internal/lifecycle"
	"scriptgate/internal/models"
	"scriptgate/internal/settings"

	"github.com/gorilla/mux"
)

// IdentityStore — контракт хранилища пользователей/устройств.
type IdentityStore interface {
	GetOrCreateUser(identity string) (*models.User, error)
	GetUser(identity string) (*models.User, bool, error)
	FindDevice(ownerID uint, hwid, fp string) (*models.Device, bool, error)
	GetByUUID(id string) (*models.Device, bool, error)
	RegisterDevice(ownerID uint, hwid, fp string, meta identity.DeviceMeta,
		initial models.DeviceStatus, expiresAt *time.Time) (*models.Device, bool, error)
	TouchUsage(deviceID uint) error
	SetExpiry(deviceUUID string, t *time.Time) error
	DeleteDevice(deviceUUID string) error
	ListDevices(status models.DeviceStatus) ([]models.Device, error)
	CreateApprovalRequest(deviceID uint, identity, reqType string) error
	ListPendingRequests() ([]models.DeviceApprovalRequest, error)
	LogAction(deviceUUID, action, detail string)
	RecentLogs(limit int) ([]models.DeviceAccessLog, error)
}

// ScriptRegistry — контракт реестра версий.
type ScriptRegistry interface {
	Upload(version string, payload []byte, notes string) (*models.ScriptVersion, error)
	Activate(id uint) error
	Deactivate(id uint) error
	GetActive() (*models.ScriptVersion, error)
	Delete(id uint) error
	List() ([]models.ScriptVersion, error)
}

// Options — дефолты из конфига; runtime-значения могут быть переопределены
// в settings (env > db > эти дефолты).
type Options struct {
	MaxDevicesPerUser  int
	AutoApproveDevices bool
	DeviceExpiryDays   int
	HWIDMaxLen         int
	FingerprintMaxLen  int
	MaxPayloadBytes    int64

	AdminUsername string
	AdminPassword string
	JWTSecret     string
	TokenTTL      time.Duration
}

type Gateway struct {
	ids IdentityStore
	reg ScriptRegistry
	set *settings.Store
	fsm *lifecycle.Machine
	opt Options
}

func New(ids IdentityStore, reg ScriptRegistry, set *settings.Store,
	fsm *lifecycle.Machine, opt Options) *Gateway {
	if opt.TokenTTL <= 0 {
		opt.TokenTTL = time.Hour
	}
	return &Gateway{ids: ids, reg: reg, set: set, fsm: fsm, opt: opt}
}

func (g *Gateway) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	// device-facing
	api.HandleFunc("/devices/register", g.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/devices/status", g.handleStatus).Methods(http.MethodPost)
	api.HandleFunc("/script", g.handleDeliver).Methods(http.MethodPost)

	// admin
	api.HandleFunc("/admin/login", g.handleAdminLogin).Methods(http.MethodPost)

	adm := api.PathPrefix("/admin").Subrouter()
	adm.Use(g.adminAuthMW)
	adm.HandleFunc("/verify", g.handleAdminVerify).Methods(http.MethodGet)
	adm.HandleFunc("/password", g.handleAdminPassword).Methods(http.MethodPost)

	adm.HandleFunc("/devices", g.handleAdminDevices).Methods(http.MethodGet)
	adm.HandleFunc("/requests", g.handleAdminRequests).Methods(http.MethodGet)
	adm.HandleFunc("/devices/{uuid}/approve", g.handleAdminApprove).Methods(http.MethodPost)
	adm.HandleFunc("/devices/{uuid}/deny", g.handleAdminDeny).Methods(http.MethodPost)
	adm.HandleFunc("/devices/{uuid}/block", g.handleAdminBlock).Methods(http.MethodPost)
	adm.HandleFunc("/devices/{uuid}/unblock", g.handleAdminUnblock).Methods(http.MethodPost)
	adm.HandleFunc("/devices/{uuid}", g.handleAdminDeleteDevice).Methods(http.MethodDelete)

	adm.HandleFunc("/scripts", g.handleAdminUploadScript).Methods(http.MethodPost)
	adm.HandleFunc("/scripts", g.handleAdminListScripts).Methods(http.MethodGet)
	adm.HandleFunc("/scripts/{id}/activate", g.handleAdminActivateScript).Methods(http.MethodPost)
	adm.HandleFunc("/scripts/{id}/deactivate", g.handleAdminDeactivateScript).Methods(http.MethodPost)
	adm.HandleFunc("/scripts/{id}", g.handleAdminDeleteScript).Methods(http.MethodDelete)

	adm.HandleFunc("/logs", g.handleAdminLogs).Methods(http.MethodGet)
	adm.HandleFunc("/settings", g.handleAdminGetSettings).Methods(http.MethodGet)
	adm.HandleFunc("/settings", g.handleAdminPutSettings).Methods(http.MethodPut)
}

// runtime-настройки: env > settings-таблица > конфиг
func (g *Gateway) maxDevices() int {
	return g.set.ResolveInt(settings.KeyMaxDevicesPerUser, g.opt.MaxDevicesPerUser)
}

func (g *Gateway) autoApprove() bool {
	return g.set.ResolveBool(settings.KeyAutoApproveDevices, g.opt.AutoApproveDevices)
}

func (g *Gateway) expiryDays() int {
	return g.set.ResolveInt(settings.KeyDeviceExpiryDays, g.opt.DeviceExpiryDays)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

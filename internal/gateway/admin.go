package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"scriptgate/internal/admintoken"
	"scriptgate/internal/lifecycle"
	"scriptgate/internal/logs"
	"scriptgate/internal/models"
	"scriptgate/internal/scripts"
	"scriptgate/internal/settings"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const bcryptCost = 12

func nowPlusDays(days int) time.Time { return time.Now().AddDate(0, 0, days) }

// adminAuthMW — Bearer-токен обязателен для всего /admin, кроме login.
func (g *Gateway) adminAuthMW(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token", nil)
			return
		}
		if claims := admintoken.Verify(g.opt.JWTSecret, raw); claims == nil {
			models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "invalid or expired token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// POST /api/v1/admin/login
// Пароль: хеш в settings главнее bootstrap-пароля из конфига. Первый успешный
// логин по конфиг-паролю записывает bcrypt-хеш в settings; plaintext в БД
// не попадает никогда.
func (g *Gateway) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	if subtle.ConstantTimeCompare([]byte(in.Username), []byte(g.opt.AdminUsername)) != 1 {
		models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "bad credentials", nil)
		return
	}

	hash := g.set.ResolveString(settings.KeyAdminPasswordHash, "")
	switch {
	case hash != "":
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(in.Password)) != nil {
			models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "bad credentials", nil)
			return
		}
	case g.opt.AdminPassword != "":
		if subtle.ConstantTimeCompare([]byte(in.Password), []byte(g.opt.AdminPassword)) != 1 {
			models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "bad credentials", nil)
			return
		}
		if h, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcryptCost); err == nil {
			if err := g.set.Set(settings.KeyAdminPasswordHash, string(h)); err != nil {
				logs.Logger.Warnf("admin login: persist password hash: %v", err)
			}
		}
	default:
		models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "admin password not configured", nil)
		return
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	token, err := admintoken.Issue(g.opt.JWTSecret, ip, r.UserAgent(), g.opt.TokenTTL)
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Token error", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "token": token})
}

// GET /api/v1/admin/verify
func (g *Gateway) handleAdminVerify(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	claims := admintoken.Verify(g.opt.JWTSecret, raw)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"ip":        claims.IP,
		"userAgent": claims.UserAgent,
		"expiresAt": claims.ExpiresAt,
	})
}

// POST /api/v1/admin/password
func (g *Gateway) handleAdminPassword(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	if len(in.Password) < 8 {
		models.WriteProblem(w, http.StatusBadRequest, "Weak password", "minimum 8 characters", nil)
		return
	}
	h, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcryptCost)
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Hash error", err.Error(), nil)
		return
	}
	if err := g.set.Set(settings.KeyAdminPasswordHash, string(h)); err != nil {
		g.storageError(w, r, "admin: store password hash", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ── devices ─────────────────────────────────────────────────

func (g *Gateway) handleAdminDevices(w http.ResponseWriter, r *http.Request) {
	st := models.DeviceStatus(r.URL.Query().Get("status"))
	devs, err := g.ids.ListDevices(st)
	if err != nil {
		g.storageError(w, r, "admin: list devices", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "devices": devs})
}

func (g *Gateway) handleAdminRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := g.ids.ListPendingRequests()
	if err != nil {
		g.storageError(w, r, "admin: list requests", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "requests": reqs})
}

// deviceByVar — устройство из {uuid} или nil (ответ уже записан).
func (g *Gateway) deviceByVar(w http.ResponseWriter, r *http.Request) *models.Device {
	id := mux.Vars(r)["uuid"]
	dev, found, err := g.ids.GetByUUID(id)
	if err != nil {
		g.storageError(w, r, "admin: get device", err)
		return nil
	}
	if !found {
		models.WriteProblem(w, http.StatusNotFound, "Not found", "device not found", map[string]string{"uuid": id})
		return nil
	}
	return dev
}

func (g *Gateway) transitionResult(w http.ResponseWriter, dev *models.Device, err error, action string) {
	if err != nil {
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"success": false,
				"reason":  "invalid_transition",
				"status":  dev.Status,
			})
			return
		}
		models.WriteProblem(w, http.StatusInternalServerError, "Storage error", err.Error(), nil)
		return
	}
	if action != "" {
		g.ids.LogAction(dev.UUID, action, "")
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": dev.Status})
}

func (g *Gateway) handleAdminApprove(w http.ResponseWriter, r *http.Request) {
	dev := g.deviceByVar(w, r)
	if dev == nil {
		return
	}
	var in struct {
		Replace bool `json:"replace"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in) // тело опционально

	wasActive := dev.Status == models.DeviceStatusActive
	err := g.fsm.Approve(dev, g.opt.AdminUsername, in.Replace)
	if err == nil && !wasActive {
		if days := g.expiryDays(); days > 0 {
			t := nowPlusDays(days)
			if e := g.ids.SetExpiry(dev.UUID, &t); e != nil {
				err = e
			}
		}
	}
	g.transitionResult(w, dev, err, models.DeviceActionApproved)
}

func (g *Gateway) handleAdminDeny(w http.ResponseWriter, r *http.Request) {
	dev := g.deviceByVar(w, r)
	if dev == nil {
		return
	}
	var in struct {
		Notes string `json:"notes"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)
	g.transitionResult(w, dev, g.fsm.Deny(dev, g.opt.AdminUsername, in.Notes), models.DeviceActionDenied)
}

func (g *Gateway) handleAdminBlock(w http.ResponseWriter, r *http.Request) {
	dev := g.deviceByVar(w, r)
	if dev == nil {
		return
	}
	g.transitionResult(w, dev, g.fsm.Block(dev), models.DeviceActionBlocked)
}

func (g *Gateway) handleAdminUnblock(w http.ResponseWriter, r *http.Request) {
	dev := g.deviceByVar(w, r)
	if dev == nil {
		return
	}
	g.transitionResult(w, dev, g.fsm.Unblock(dev, g.opt.AdminUsername), models.DeviceActionUnblocked)
}

func (g *Gateway) handleAdminDeleteDevice(w http.ResponseWriter, r *http.Request) {
	dev := g.deviceByVar(w, r)
	if dev == nil {
		return
	}
	if err := g.ids.DeleteDevice(dev.UUID); err != nil {
		g.storageError(w, r, "admin: delete device", err)
		return
	}
	g.ids.LogAction(dev.UUID, models.DeviceActionDeleted, "")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ── scripts ─────────────────────────────────────────────────

func (g *Gateway) handleAdminUploadScript(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Version string `json:"version"`
		Payload string `json:"payload"`
		Notes   string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	in.Version = strings.TrimSpace(in.Version)
	if in.Version == "" || in.Payload == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Validation", "version and payload required", nil)
		return
	}
	if int64(len(in.Payload)) > g.opt.MaxPayloadBytes {
		models.WriteProblem(w, http.StatusBadRequest, "Validation",
			"payload exceeds "+strconv.FormatInt(g.opt.MaxPayloadBytes, 10)+" bytes", nil)
		return
	}
	sv, err := g.reg.Upload(in.Version, []byte(in.Payload), in.Notes)
	if err != nil {
		g.storageError(w, r, "admin: upload script", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"scriptId": sv.ID,
		"version":  sv.Version,
		"checksum": sv.Checksum,
		"fileSize": sv.FileSize,
	})
}

func (g *Gateway) handleAdminListScripts(w http.ResponseWriter, r *http.Request) {
	list, err := g.reg.List()
	if err != nil {
		g.storageError(w, r, "admin: list scripts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "scripts": list})
}

func (g *Gateway) scriptIDByVar(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Validation", "bad script id", nil)
		return 0, false
	}
	return uint(id), true
}

func (g *Gateway) handleAdminActivateScript(w http.ResponseWriter, r *http.Request) {
	id, ok := g.scriptIDByVar(w, r)
	if !ok {
		return
	}
	if err := g.reg.Activate(id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			models.WriteProblem(w, http.StatusNotFound, "Not found", "script not found", nil)
			return
		}
		g.storageError(w, r, "admin: activate script", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (g *Gateway) handleAdminDeactivateScript(w http.ResponseWriter, r *http.Request) {
	id, ok := g.scriptIDByVar(w, r)
	if !ok {
		return
	}
	if err := g.reg.Deactivate(id); err != nil {
		g.storageError(w, r, "admin: deactivate script", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (g *Gateway) handleAdminDeleteScript(w http.ResponseWriter, r *http.Request) {
	id, ok := g.scriptIDByVar(w, r)
	if !ok {
		return
	}
	if err := g.reg.Delete(id); err != nil {
		switch {
		case errors.Is(err, scripts.ErrActive):
			writeJSON(w, http.StatusConflict, map[string]any{"success": false, "reason": "script_active"})
		case errors.Is(err, gorm.ErrRecordNotFound):
			models.WriteProblem(w, http.StatusNotFound, "Not found", "script not found", nil)
		default:
			g.storageError(w, r, "admin: delete script", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ── logs / settings ─────────────────────────────────────────

func (g *Gateway) handleAdminLogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := g.ids.RecentLogs(limit)
	if err != nil {
		g.storageError(w, r, "admin: list logs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "logs": entries})
}

func (g *Gateway) handleAdminGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":              true,
		"max_devices_per_user": g.maxDevices(),
		"auto_approve_devices": g.autoApprove(),
		"device_expiry_days":   g.expiryDays(),
	})
}

var writableSettings = map[string]struct{}{
	settings.KeyMaxDevicesPerUser:  {},
	settings.KeyAutoApproveDevices: {},
	settings.KeyDeviceExpiryDays:   {},
}

func (g *Gateway) handleAdminPutSettings(w http.ResponseWriter, r *http.Request) {
	var in map[string]any
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	for k, v := range in {
		if _, ok := writableSettings[k]; !ok {
			models.WriteProblem(w, http.StatusBadRequest, "Validation", "unknown setting: "+k, nil)
			return
		}
		if err := g.set.Set(k, v); err != nil {
			g.storageError(w, r, "admin: set "+k, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

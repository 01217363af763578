package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"scriptgate/internal/fingerprint"
	"scriptgate/internal/identity"
	"scriptgate/internal/lifecycle"
	"scriptgate/internal/logs"
	"scriptgate/internal/models"
	"scriptgate/internal/scripts"
)

type deviceRequest struct {
	Identity    string `json:"identity"`
	HWID        string `json:"hwid"`
	Fingerprint string `json:"fingerprint"`
	DeviceName  string `json:"deviceName,omitempty"`
	BrowserInfo string `json:"browserInfo,omitempty"`
	OSInfo      string `json:"osInfo,omitempty"`
}

type deviceResponse struct {
	Success  bool   `json:"success"`
	Status   string `json:"status,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type deliverResponse struct {
	Success  bool   `json:"success"`
	Payload  string `json:"payload,omitempty"`
	Version  string `json:"version,omitempty"`
	Checksum string `json:"checksum,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// decodeDeviceRequest — валидация и канонизация hwid/fingerprint.
// Возвращает false, если ответ уже записан.
func (g *Gateway) decodeDeviceRequest(w http.ResponseWriter, r *http.Request) (in deviceRequest, ok bool) {
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, deviceResponse{Success: false, Reason: "invalid json"})
		return in, false
	}
	in.Identity = strings.TrimSpace(in.Identity)
	if in.Identity == "" {
		writeJSON(w, http.StatusBadRequest, deviceResponse{Success: false, Reason: "identity required"})
		return in, false
	}
	hwid, err := fingerprint.Normalize(in.HWID, g.opt.HWIDMaxLen)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, deviceResponse{Success: false, Reason: "hwid required"})
		return in, false
	}
	fp, err := fingerprint.Normalize(in.Fingerprint, g.opt.FingerprintMaxLen)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, deviceResponse{Success: false, Reason: "fingerprint required"})
		return in, false
	}
	in.HWID, in.Fingerprint = hwid, fp
	return in, true
}

// POST /api/v1/devices/register
func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	in, ok := g.decodeDeviceRequest(w, r)
	if !ok {
		return
	}

	user, err := g.ids.GetOrCreateUser(in.Identity)
	if err != nil {
		g.storageError(w, r, "register: get-or-create user", err)
		return
	}

	// дедуп имеет приоритет над лимитом: существующее устройство
	// перерегистрируется без проверки лимита
	if _, found, err := g.ids.FindDevice(user.ID, in.HWID, in.Fingerprint); err != nil {
		g.storageError(w, r, "register: find device", err)
		return
	} else if !found {
		exceeded, err := g.fsm.LimitExceeded(user.ID, g.maxDevices())
		if err != nil {
			g.storageError(w, r, "register: device limit", err)
			return
		}
		if exceeded {
			writeJSON(w, http.StatusOK, deviceResponse{Success: false, Status: "limit_exceeded"})
			return
		}
	}

	initial := lifecycle.InitialStatus(g.autoApprove())
	var expires *time.Time
	if initial == models.DeviceStatusActive {
		if days := g.expiryDays(); days > 0 {
			t := time.Now().AddDate(0, 0, days)
			expires = &t
		}
	}

	dev, duplicate, err := g.ids.RegisterDevice(user.ID, in.HWID, in.Fingerprint,
		identity.DeviceMeta{
			DisplayName: in.DeviceName,
			BrowserInfo: in.BrowserInfo,
			OSInfo:      in.OSInfo,
		}, initial, expires)
	if err != nil {
		g.storageError(w, r, "register: upsert device", err)
		return
	}

	if !duplicate {
		if initial == models.DeviceStatusPending {
			if err := g.ids.CreateApprovalRequest(dev.ID, in.Identity, models.RequestTypeNew); err != nil {
				g.storageError(w, r, "register: approval request", err)
				return
			}
		}
		g.ids.LogAction(dev.UUID, models.DeviceActionRegistered, in.DeviceName)
	}

	writeJSON(w, http.StatusOK, deviceResponse{
		Success:  true,
		Status:   string(dev.Status),
		DeviceID: dev.UUID,
	})
}

// POST /api/v1/devices/status — ничего не создаёт.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	in, ok := g.decodeDeviceRequest(w, r)
	if !ok {
		return
	}

	dev, found, err := g.lookupDevice(in)
	if err != nil {
		g.storageError(w, r, "status: lookup", err)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, deviceResponse{Success: true, Status: string(lifecycle.OutcomeNotFound)})
		return
	}

	outcome := g.fsm.Authorize(dev)
	status := string(outcome)
	if outcome == lifecycle.OutcomeApproved {
		status = string(models.DeviceStatusActive)
	}
	g.ids.LogAction(dev.UUID, models.DeviceActionValidated, status)
	writeJSON(w, http.StatusOK, deviceResponse{Success: true, Status: status, DeviceID: dev.UUID})
}

// POST /api/v1/script — доставка активной версии одобренному устройству.
func (g *Gateway) handleDeliver(w http.ResponseWriter, r *http.Request) {
	in, ok := g.decodeDeviceRequest(w, r)
	if !ok {
		return
	}

	dev, found, err := g.lookupDevice(in)
	if err != nil {
		g.storageError(w, r, "deliver: lookup", err)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, deliverResponse{Success: false, Reason: "not_found"})
		return
	}

	if outcome := g.fsm.Authorize(dev); outcome != lifecycle.OutcomeApproved {
		writeJSON(w, http.StatusOK, deliverResponse{Success: false, Reason: string(outcome)})
		return
	}

	sv, err := g.reg.GetActive()
	if err != nil {
		switch {
		case errors.Is(err, scripts.ErrNoneActive):
			writeJSON(w, http.StatusOK, deliverResponse{Success: false, Reason: "no_active_script"})
		case errors.Is(err, scripts.ErrIntegrity):
			logs.Logger.WithField("device", dev.UUID).Error("deliver: payload checksum mismatch")
			models.WriteProblem(w, http.StatusInternalServerError,
				"Integrity failure", "active script failed checksum verification", nil)
		default:
			g.storageError(w, r, "deliver: get active script", err)
		}
		return
	}

	if err := g.ids.TouchUsage(dev.ID); err != nil {
		g.storageError(w, r, "deliver: touch usage", err)
		return
	}
	g.ids.LogAction(dev.UUID, models.DeviceActionDelivered, sv.Version)

	writeJSON(w, http.StatusOK, deliverResponse{
		Success:  true,
		Payload:  string(sv.Payload),
		Version:  sv.Version,
		Checksum: sv.Checksum,
	})
}

// lookupDevice — user по identity, затем устройство по тройке.
func (g *Gateway) lookupDevice(in deviceRequest) (*models.Device, bool, error) {
	user, found, err := g.ids.GetUser(in.Identity)
	if err != nil || !found {
		return nil, false, err
	}
	return g.ids.FindDevice(user.ID, in.HWID, in.Fingerprint)
}

// storageError — единственный класс, который уходит как 5xx.
// Логируем операцию и канонические ключи, но не сырые значения.
func (g *Gateway) storageError(w http.ResponseWriter, r *http.Request, op string, err error) {
	logs.Logger.WithField("path", r.URL.Path).Errorf("%s: %v", op, err)
	models.WriteProblem(w, http.StatusInternalServerError, "Storage error", "storage unavailable", nil)
}

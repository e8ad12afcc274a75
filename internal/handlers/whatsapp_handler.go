package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crm_wa/internal/models"
	"crm_wa/internal/services"
	"crm_wa/internal/whatsapp"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

const (
	sendTimeout = 60 * time.Second
	qrSize      = 256
)

// SessionManager is the part of whatsapp.Manager the HTTP API drives.
type SessionManager interface {
	Connect(ctx context.Context, tenantID uint) (*whatsapp.Session, error)
	GetConnectionStatus(ctx context.Context, tenantID uint) whatsapp.StatusView
	SendMessage(ctx context.Context, destination, body string, opts whatsapp.SendOptions) (string, error)
	Disconnect(ctx context.Context, tenantID uint) error
}

// WhatsAppHandler serves the session endpoints for the tenant named in the
// request token.
type WhatsAppHandler struct {
	manager       SessionManager
	tenants       *services.TenantService
	conversations *services.ConversationService
	log           *zap.Logger
}

func NewWhatsAppHandler(manager SessionManager, tenants *services.TenantService, conversations *services.ConversationService, log *zap.Logger) *WhatsAppHandler {
	return &WhatsAppHandler{
		manager:       manager,
		tenants:       tenants,
		conversations: conversations,
		log:           log,
	}
}

// Register mounts the API on r. Every /api/wa route requires a bearer token.
func (h *WhatsAppHandler) Register(r *mux.Router, auth *services.AuthService) {
	r.HandleFunc("/api/health", h.HandleHealth).Methods(http.MethodGet)

	wa := r.PathPrefix("/api/wa").Subrouter()
	wa.Use(RequireToken(auth))
	wa.HandleFunc("/status", h.HandleStatus).Methods(http.MethodGet)
	wa.HandleFunc("/qr", h.HandleQR).Methods(http.MethodGet)
	wa.HandleFunc("/connect", h.HandleConnect).Methods(http.MethodPost)
	wa.HandleFunc("/send", h.HandleSend).Methods(http.MethodPost)
	wa.HandleFunc("/logout", h.HandleLogout).Methods(http.MethodPost)
	wa.HandleFunc("/threads", h.HandleThreads).Methods(http.MethodGet)
}

func (h *WhatsAppHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Backend is running",
	})
}

func statusPayload(view whatsapp.StatusView) map[string]interface{} {
	return map[string]interface{}{
		"session": view,
		"status": map[string]interface{}{
			"whatsapp_ready": view.Status == models.StatusConnected,
			"whatsapp_state": view.Status,
		},
	}
}

// HandleStatus reports the persisted connection status.
func (h *WhatsAppHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	view := h.manager.GetConnectionStatus(r.Context(), tenantFrom(r))
	writeJSON(w, http.StatusOK, statusPayload(view))
}

// HandleQR returns the current pairing code as a PNG data URL. A tenant
// without a session gets one started; the code follows shortly after.
func (h *WhatsAppHandler) HandleQR(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r)
	view := h.manager.GetConnectionStatus(r.Context(), tenantID)
	if !models.IsLiveStatus(view.Status) {
		if _, err := h.manager.Connect(r.Context(), tenantID); err != nil {
			h.log.Error("whatsapp: failed to start session for qr", zap.Uint("tenant_id", tenantID), zap.Error(err))
			writeError(w, statusCode(err), errors.Wrap(err, "failed to start session"))
			return
		}
		view = h.manager.GetConnectionStatus(r.Context(), tenantID)
	}

	payload := statusPayload(view)
	payload["qr"] = ""
	if view.PairingCode == "" || view.Status != models.StatusAwaitingPairing {
		if view.Status != models.StatusConnected {
			payload["message"] = "QR code is being generated, try again in a few seconds."
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	png, err := qrcode.Encode(view.PairingCode, qrcode.Medium, qrSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.Wrap(err, "render qr code"))
		return
	}
	payload["qr"] = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	payload["code"] = view.PairingCode
	writeJSON(w, http.StatusOK, payload)
}

func (h *WhatsAppHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r)
	if _, err := h.manager.Connect(r.Context(), tenantID); err != nil {
		h.log.Error("whatsapp: connect request failed", zap.Uint("tenant_id", tenantID), zap.Error(err))
		writeError(w, statusCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, statusPayload(h.manager.GetConnectionStatus(r.Context(), tenantID)))
}

type sendRequest struct {
	Destination string `json:"destination"`
	Body        string `json:"body"`
	MediaURL    string `json:"media_url"`
	ContactID   *uint  `json:"contact_id"`
}

// HandleSend blocks until the message is sent or sendTimeout elapses.
func (h *WhatsAppHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if strings.TrimSpace(req.Body) == "" && req.MediaURL == "" {
		writeError(w, http.StatusBadRequest, errors.New("body or media_url is required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), sendTimeout)
	defer cancel()
	id, err := h.manager.SendMessage(ctx, req.Destination, req.Body, whatsapp.SendOptions{
		MediaURL:  req.MediaURL,
		ContactID: req.ContactID,
		TenantID:  tenantFrom(r),
	})
	if err != nil {
		writeError(w, statusCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message_id": id,
	})
}

func (h *WhatsAppHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r)
	if err := h.manager.Disconnect(r.Context(), tenantID); err != nil {
		h.log.Error("whatsapp: logout request failed", zap.Uint("tenant_id", tenantID), zap.Error(err))
		writeError(w, statusCode(err), err)
		return
	}
	payload := statusPayload(h.manager.GetConnectionStatus(r.Context(), tenantID))
	payload["message"] = "Logged out"
	writeJSON(w, http.StatusOK, payload)
}

// HandleThreads lists conversation threads, newest activity first.
func (h *WhatsAppHandler) HandleThreads(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}

	tenantID, err := h.tenants.Resolve(r.Context(), tenantFrom(r))
	if err != nil {
		writeError(w, statusCode(err), err)
		return
	}
	threads, err := h.conversations.ListThreads(r.Context(), tenantID, limit)
	if err != nil {
		h.log.Error("whatsapp: failed to list threads", zap.Uint("tenant_id", tenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, errors.New("failed to list threads"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"threads": threads,
	})
}

package session

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/callbridge/internal/logger"
	"github.com/zhouzirui/callbridge/internal/model/message"
	model "github.com/zhouzirui/callbridge/internal/model/session"
	"github.com/zhouzirui/callbridge/internal/service/bridge"
	"github.com/zhouzirui/callbridge/internal/service/carrier"
	sessionsvc "github.com/zhouzirui/callbridge/internal/service/session"
	"github.com/zhouzirui/callbridge/pkg/utils"
)

// Handler 会话管理的HTTP处理器
type Handler struct {
	bridge *bridge.Bridge
	log    *zap.Logger
}

// New 创建会话处理器
func New(b *bridge.Bridge, log *zap.Logger) *Handler {
	return &Handler{bridge: b, log: logger.OrNop(log).Named("http.session")}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/", h.handleList)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Delete("/", h.handleDelete)
			r.Get("/transcript", h.handleTranscript)
			r.Post("/notes", h.handleNote)
			r.Post("/call", h.handleCall)
			r.Post("/end", h.handleEnd)
			r.Post("/takeover", h.handleTakeover)
			r.Post("/release", h.handleRelease)
			r.Put("/voice", h.handleVoice)
		})
	})
}

type callPayload struct {
	To          string            `json:"to"`
	From        string            `json:"from"`
	VoiceID     string            `json:"voiceId"`
	DisplayName string            `json:"displayName"`
	Params      map[string]string `json:"params"`
}

func (p callPayload) request() bridge.CallRequest {
	return bridge.CallRequest{
		To:          p.To,
		From:        p.From,
		VoiceID:     p.VoiceID,
		DisplayName: p.DisplayName,
		Params:      p.Params,
	}
}

// handleCreate 创建会话，请求中带有号码时立即外呼。
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload callPayload
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := model.NewID()
	snap, _ := h.bridge.Store.Create(id)
	if payload.VoiceID != "" || payload.DisplayName != "" {
		if updated, err := h.bridge.Store.UpdateCall(id, model.CallUpdate{VoiceID: payload.VoiceID, DisplayName: payload.DisplayName}); err == nil {
			snap = updated
		}
	}

	if payload.To != "" {
		placed, err := h.bridge.PlaceCall(r.Context(), id, payload.request())
		if err != nil {
			h.bridge.EndSession(id)
			h.respondErr(w, err)
			return
		}
		snap = placed
	}

	utils.RespondJSON(w, http.StatusCreated, snap)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{"sessions": h.bridge.Store.List()})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := h.bridge.Store.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !h.bridge.EndSession(chi.URLParam(r, "sessionID")) {
		h.respondErr(w, sessionsvc.ErrSessionNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	entries, err := h.bridge.Store.Transcript(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"transcript": entries})
}

// handleNote 追加一条系统备注并推送给控制台。
func (h *Handler) handleNote(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var payload struct {
		Text string `json:"text"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil || payload.Text == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}
	if !h.bridge.Store.AppendTranscript(sessionID, payload.Text, model.SpeakerSystem) {
		h.respondErr(w, sessionsvc.ErrSessionNotFound)
		return
	}
	note := message.New(sessionID, message.RoleNone, message.KindNote)
	note.Text = payload.Text
	h.bridge.Streams.Broadcast(sessionID, note)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCall(w http.ResponseWriter, r *http.Request) {
	var payload callPayload
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	snap, err := h.bridge.PlaceCall(r.Context(), chi.URLParam(r, "sessionID"), payload.request())
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, snap)
}

// handleEnd 挂断通话但保留会话记录。
func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	ended, err := h.bridge.Store.EndCall(r.Context(), sessionID, "ended via api")
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"ended": ended})
}

func (h *Handler) handleTakeover(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Operator string `json:"operator"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	changed, err := h.bridge.Takeover.Activate(chi.URLParam(r, "sessionID"), payload.Operator)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"agentMode": true, "changed": changed})
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	changed, err := h.bridge.Takeover.Deactivate(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"agentMode": false, "changed": changed})
}

func (h *Handler) handleVoice(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		VoiceID string `json:"voiceId"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil || payload.VoiceID == "" {
		utils.RespondError(w, http.StatusBadRequest, "voiceId is required")
		return
	}
	applied, err := h.bridge.ChangeVoice(chi.URLParam(r, "sessionID"), payload.VoiceID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sessionsvc.ErrSessionNotFound):
		utils.RespondError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, bridge.ErrCallExists):
		utils.RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, bridge.ErrCarrierDisabled):
		utils.RespondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, carrier.ErrMissingNumber):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Warn("request failed", zap.Error(err))
		utils.RespondError(w, http.StatusBadGateway, err.Error())
	}
}

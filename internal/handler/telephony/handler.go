package telephony

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/callbridge/internal/handler/ws"
	"github.com/zhouzirui/callbridge/internal/logger"
	model "github.com/zhouzirui/callbridge/internal/model/session"
	"github.com/zhouzirui/callbridge/internal/service/bridge"
	"github.com/zhouzirui/callbridge/internal/service/carrier"
	sessionsvc "github.com/zhouzirui/callbridge/internal/service/session"
	"github.com/zhouzirui/callbridge/pkg/utils"
)

// SignatureValidator 校验运营商回调签名
type SignatureValidator interface {
	ValidSignature(endpoint string, form map[string]string, signature string) bool
}

// Options 运营商处理器配置
type Options struct {
	// Validator 设置后拒绝签名无效的回调
	Validator SignatureValidator
	// PublicBaseURL 运营商访问的 https 地址，用于在代理之后还原签名 URL
	PublicBaseURL string
	// StreamURL 呼入电话使用的媒体流地址
	StreamURL string
	Logger    *zap.Logger
}

// Handler 运营商媒体流与回调处理器
type Handler struct {
	bridge *bridge.Bridge
	opts   Options
	log    *zap.Logger
}

// New 创建运营商处理器
func New(b *bridge.Bridge, opts Options) *Handler {
	return &Handler{bridge: b, opts: opts, log: logger.OrNop(opts.Logger).Named("http.telephony")}
}

// RegisterRoutes 注册运营商路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/telephony", func(r chi.Router) {
		r.Get("/media", h.handleMedia)
		r.Post("/status", h.handleStatus)
		r.Post("/voice", h.handleVoice)
	})
}

// handleMedia 接收运营商的媒体流连接。
func (h *Handler) handleMedia(w http.ResponseWriter, r *http.Request) {
	transport, err := ws.Upgrade(w, r, 0)
	if err != nil {
		h.log.Warn("media upgrade failed", zap.Error(err))
		return
	}
	if err := h.bridge.Telephony.Serve(r.Context(), transport, r.URL.Query().Get("sessionId")); err != nil {
		h.log.Info("media stream ended", zap.Error(err))
	}
}

// handleStatus 将运营商的通话状态回调映射到状态机。
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	form, ok := h.verified(w, r)
	if !ok {
		return
	}

	callSID := form["CallSid"]
	status := form["CallStatus"]
	if status == "" || callSID == "" {
		utils.RespondError(w, http.StatusBadRequest, "CallSid and CallStatus are required")
		return
	}

	current, applied, err := h.bridge.CarrierStatus(r.URL.Query().Get("sessionId"), callSID, status)
	switch {
	case errors.Is(err, sessionsvc.ErrSessionNotFound):
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	case errors.Is(err, sessionsvc.ErrInvalidStatus):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.log.Warn("status callback failed", zap.String("callSid", callSID), zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "status update failed")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"status": current, "applied": applied})
}

// handleVoice 为呼入电话创建会话并返回连接媒体流的指令。
func (h *Handler) handleVoice(w http.ResponseWriter, r *http.Request) {
	form, ok := h.verified(w, r)
	if !ok {
		return
	}

	callSID := form["CallSid"]
	if callSID == "" {
		utils.RespondError(w, http.StatusBadRequest, "CallSid is required")
		return
	}

	id, exists := h.bridge.Store.LookupByCallSID(callSID)
	if !exists {
		id = model.NewID()
		h.bridge.Store.Create(id)
		if _, err := h.bridge.Store.UpdateCall(id, model.CallUpdate{
			CallSID: callSID,
			From:    form["From"],
			To:      form["To"],
		}); err != nil {
			utils.RespondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if status := form["CallStatus"]; status != "" {
		_, _, _ = h.bridge.Store.ApplyCarrierStatus(id, status)
	}

	doc, err := carrier.StreamTwiML(h.opts.StreamURL, id, nil)
	if err != nil {
		h.log.Error("inbound call without stream url", zap.String("session", id), zap.Error(err))
		utils.RespondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.log.Info("inbound call", zap.String("session", id), zap.String("callSid", callSID))
	utils.RespondXML(w, http.StatusOK, doc)
}

// verified 解析回调表单并校验签名
func (h *Handler) verified(w http.ResponseWriter, r *http.Request) (map[string]string, bool) {
	if err := r.ParseForm(); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid form body")
		return nil, false
	}
	form := make(map[string]string, len(r.PostForm))
	for key := range r.PostForm {
		form[key] = r.PostForm.Get(key)
	}

	if h.opts.Validator != nil {
		endpoint := strings.TrimSuffix(h.opts.PublicBaseURL, "/") + r.URL.RequestURI()
		if !h.opts.Validator.ValidSignature(endpoint, form, r.Header.Get("X-Twilio-Signature")) {
			h.log.Warn("webhook signature rejected", zap.String("path", r.URL.Path))
			utils.RespondError(w, http.StatusForbidden, "invalid signature")
			return nil, false
		}
	}
	return form, true
}

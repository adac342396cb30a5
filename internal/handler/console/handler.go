package console

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/callbridge/internal/handler/ws"
	"github.com/zhouzirui/callbridge/internal/logger"
	"github.com/zhouzirui/callbridge/internal/service/bridge"
	"github.com/zhouzirui/callbridge/pkg/utils"
)

// idleTimeout 控制台连接停止响应 ping 后的关闭时限
const idleTimeout = 60 * time.Second

// Handler 控制台 WebSocket 处理器
type Handler struct {
	bridge *bridge.Bridge
	log    *zap.Logger
}

// New 创建控制台处理器
func New(b *bridge.Bridge, log *zap.Logger) *Handler {
	return &Handler{bridge: b, log: logger.OrNop(log).Named("http.console")}
}

// RegisterRoutes 注册控制台路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{sessionID}", h.handleConsole)
	r.Get("/events/{sessionID}", h.handleEvents)
}

// handleConsole 默认以观察者身份接入，role=operator 时以坐席身份接入。
func (h *Handler) handleConsole(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !h.bridge.Store.Exists(sessionID) {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}

	adapter := h.bridge.Observer
	switch r.URL.Query().Get("role") {
	case "", "observer":
	case "operator", "human":
		adapter = h.bridge.Operator
	default:
		utils.RespondError(w, http.StatusBadRequest, "role must be operator or observer")
		return
	}

	transport, err := ws.Upgrade(w, r, idleTimeout)
	if err != nil {
		h.log.Warn("console upgrade failed", zap.Error(err))
		return
	}
	if err := adapter.Serve(r.Context(), transport, sessionID); err != nil {
		h.log.Info("console rejected", zap.String("session", sessionID), zap.Error(err))
	}
}

// handleEvents 以 SSE 推送会话事件，连接身份固定为观察者。
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !h.bridge.Store.Exists(sessionID) {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}

	events, err := utils.NewSSEStream(w, r)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer events.Close()

	if err := h.bridge.Observer.Serve(r.Context(), events, sessionID); err != nil {
		h.log.Info("event stream rejected", zap.String("session", sessionID), zap.Error(err))
	}
}

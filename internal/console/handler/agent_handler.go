package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xela07ax/fleet-relay/internal/relay"
)

// CommandSender отправка команды агенту без открытой операторской сессии
type CommandSender interface {
	RunCommand(agentID, command string) error
}

// OperatorServer ведет операторскую сессию поверх уже поднятого транспорта
type OperatorServer interface {
	ServeOperator(ctx context.Context, agentID string, conn relay.Conn) error
}

// OnlineLister источник списка агентов в сети (presence или локальный реестр)
type OnlineLister interface {
	Online() []string
}

type AgentHandler struct {
	commands CommandSender
	hub      OperatorServer
	presence OnlineLister
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewAgentHandler(commands CommandSender, hub OperatorServer, presence OnlineLister, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		commands: commands,
		hub:      hub,
		presence: presence,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Консоль отдается с другого origin, доступ режет auth middleware
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.Named("agents"),
	}
}

type commandRequest struct {
	Command string `json:"command"`
}

type commandResponse struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

// Online GET /v1/agents/online
func (h *AgentHandler) Online(w http.ResponseWriter, r *http.Request) {
	ids := h.presence.Online()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// SendCommand POST /v1/agents/{id}/commands. Вывод уходит в операторскую сессию, если она открыта.
func (h *AgentHandler) SendCommand(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	var req commandRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "command is required"})
		return
	}

	if err := h.commands.RunCommand(agentID, req.Command); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, commandResponse{AgentID: agentID, Status: "sent"})
}

// Attach GET /v1/agents/{id}/attach, апгрейд до WebSocket операторской сессии
func (h *AgentHandler) Attach(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade сам ответил клиенту
		h.logger.Warn("websocket upgrade failed", zap.String("agent_id", agentID), zap.Error(err))
		return
	}

	// После hijack сокет закрывает сама сессия, при остановке ее гасит registry.Close
	err = h.hub.ServeOperator(r.Context(), agentID, relay.NewWSConn(ws))
	h.logger.Debug("operator session ended", zap.String("agent_id", agentID), zap.Error(err))
}

package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aduggleby/octoporty-sub001/internal/config"
)

// StatusResponse is the operator-facing health summary.
type StatusResponse struct {
	GatewayVersion string `json:"gatewayVersion"`
	Connected      bool   `json:"connected"`
	AgentVersion   string `json:"agentVersion,omitempty"`
	ConnectedAt    string `json:"connectedAt,omitempty"`
	RemoteAddr     string `json:"remoteAddr,omitempty"`
	ConfigHash     string `json:"configHash,omitempty"`
	PendingCount   int    `json:"pendingCount"`
	MappingCount   int    `json:"mappingCount"`
	EdgeRouteCount int    `json:"edgeRouteCount"`
	EdgeLastError  string `json:"edgeLastError,omitempty"`
}

// StatusHandler exposes tunnel and edge state for operators.
type StatusHandler struct {
	manager    *Manager
	reconciler *EdgeReconciler
}

// NewStatusHandler creates the status endpoint handler.
func NewStatusHandler(manager *Manager, reconciler *EdgeReconciler) *StatusHandler {
	return &StatusHandler{manager: manager, reconciler: reconciler}
}

// Handle serves GET /status.
func (h *StatusHandler) Handle(c *gin.Context) {
	resp := StatusResponse{
		GatewayVersion: config.Version,
		MappingCount:   len(h.manager.Snapshot().Mappings),
	}

	if sess := h.manager.ActiveConnection(); sess != nil {
		resp.Connected = true
		resp.AgentVersion = sess.AgentVersion()
		resp.ConnectedAt = sess.ConnectedAt().Format(time.RFC3339)
		resp.RemoteAddr = sess.RemoteAddr()
		resp.ConfigHash = sess.ConfigHash()
		resp.PendingCount = sess.PendingCount()
	}

	if h.reconciler != nil {
		resp.EdgeRouteCount = h.reconciler.RouteCount()
		resp.EdgeLastError = h.reconciler.LastError()
	}

	c.JSON(http.StatusOK, resp)
}

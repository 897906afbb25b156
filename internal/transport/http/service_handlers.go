package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/wasta-market/wasta-chat/internal/proto"
	"github.com/wasta-market/wasta-chat/internal/service/chat"
)

// ServiceHandlers provides HTTP handlers for service listings.
type ServiceHandlers struct {
	chat *chat.Service
	log  *zerolog.Logger
}

// NewServiceHandlers creates a new service handlers instance.
func NewServiceHandlers(chatService *chat.Service, logger *zerolog.Logger) *ServiceHandlers {
	return &ServiceHandlers{chat: chatService, log: logger}
}

// CreateService publishes a listing for the authenticated freelancer.
// POST /api/services
func (h *ServiceHandlers) CreateService(c *gin.Context) {
	uid, _, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	var req proto.CreateServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid create service request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	svc, err := h.chat.CreateService(c.Request.Context(), uid, req.Title)
	if err != nil {
		writeChatError(c, h.log, err, "failed to create service")
		return
	}

	h.log.Info().Int64("service_id", svc.ID).Int64("freelancer_id", uid).Msg("service created")
	c.JSON(http.StatusCreated, proto.ServiceFromStore(svc))
}

// GetService returns a listing.
// GET /api/services/:id
func (h *ServiceHandlers) GetService(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid service id"})
		return
	}

	svc, err := h.chat.GetService(c.Request.Context(), id)
	if err != nil {
		writeChatError(c, h.log, err, "failed to get service")
		return
	}
	c.JSON(http.StatusOK, proto.ServiceFromStore(svc))
}

package http

import (
	"net/http"
	"strings"

	"nexusvoice/internal/core/domain"
	"nexusvoice/internal/core/ports"
	"nexusvoice/internal/core/services"
	"nexusvoice/internal/infrastructure/middleware"
	"nexusvoice/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type VoiceHandler struct {
	voiceService ports.VoiceService
	authService  services.AuthService
	devTokens    bool
}

func NewVoiceHandler(voiceService ports.VoiceService, authService services.AuthService, devTokens bool) *VoiceHandler {
	return &VoiceHandler{
		voiceService: voiceService,
		authService:  authService,
		devTokens:    devTokens,
	}
}

func (h *VoiceHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/voice")
	api.Use(middleware.AuthMiddleware(h.authService))
	{
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:id/members", h.GetRoomMembers)
	}

	if h.devTokens {
		// Development only: mints a signed token for any identity. Real
		// deployments issue tokens from the platform's auth service.
		router.POST("/api/v1/dev/token", h.MintDevToken)
	}
}

// ListRooms returns the membership of every non-empty voice room, the same
// snapshot a fresh websocket connection receives.
func (h *VoiceHandler) ListRooms(c *gin.Context) {
	snapshots, err := h.voiceService.Snapshot(c.Request.Context())
	if err != nil {
		c.Error(errors.NewInternalError("failed to build room snapshot"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"rooms": snapshots,
		"count": len(snapshots),
	})
}

func (h *VoiceHandler) GetRoomMembers(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))
	if roomID == "" {
		c.Error(errors.NewInvalidInputError("room id is required"))
		return
	}

	members, err := h.voiceService.Members(c.Request.Context(), roomID)
	if err != nil {
		if err == domain.ErrRoomNotFound {
			c.Error(errors.NewNotFoundError("room"))
			return
		}
		c.Error(errors.NewInternalError("failed to read room members"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room_id": roomID,
		"members": members,
	})
}

type DevTokenRequest struct {
	UserID   string `json:"user_id" binding:"max=64"`
	Username string `json:"username" binding:"required,min=1,max=50"`
	Avatar   string `json:"avatar" binding:"max=512"`
}

type DevTokenResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

func (h *VoiceHandler) MintDevToken(c *gin.Context) {
	var req DevTokenRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		c.Error(errors.NewInvalidInputError("username is required"))
		return
	}

	userID := req.UserID
	if userID == "" {
		userID = uuid.New().String()
	}

	token, err := h.authService.GenerateToken(domain.UserID(userID), req.Username, req.Avatar)
	if err != nil {
		c.Error(errors.NewInternalError("failed to generate token"))
		return
	}

	c.JSON(http.StatusOK, DevTokenResponse{
		Token:  token,
		UserID: userID,
	})
}

package notify

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apierrors "github.com/opencampus/pushsync/internal/errors"
	"github.com/opencampus/pushsync/internal/registry"
)

// Handler exposes the push API to the portal CRUD layer.
type Handler struct {
	service   *Service
	directory Directory
}

// NewHandler creates the HTTP handler.
func NewHandler(service *Service, directory Directory) *Handler {
	return &Handler{service: service, directory: directory}
}

// RegisterRoutes mounts the push API under the given group.
func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	push := group.Group("/push")
	{
		push.POST("/subscribe", h.Subscribe)
		push.POST("/unsubscribe", h.UnsubscribeAll)
		push.POST("/notify", h.Notify)
	}
}

type subscribeRequest struct {
	ExternalID string   `json:"externalId" binding:"required"`
	Token      string   `json:"token" binding:"required"`
	Topics     []string `json:"topics"`
}

// Subscribe resolves the external ID through the portal directory and
// registers the device token under the resolved user.
func (h *Handler) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "invalid subscribe request", map[string]interface{}{"reason": err.Error()})
		return
	}

	user, err := h.directory.LookupUser(c.Request.Context(), req.ExternalID)
	if err != nil {
		apierrors.AbortWithNotFound(c, "unknown user", map[string]interface{}{"externalId": req.ExternalID})
		return
	}

	dt, err := h.service.Subscribe(c.Request.Context(), user.ID, req.Token, registry.Meta{
		Role:      user.Role,
		CollegeID: user.CollegeID,
		Topics:    req.Topics,
	})
	if err != nil {
		if errors.Is(err, registry.ErrInvalidToken) {
			apierrors.AbortWithBadRequest(c, "invalid device token", nil)
			return
		}
		apierrors.AbortWithInternal(c, "failed to register token", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": dt.ID, "active": dt.Active})
}

type unsubscribeRequest struct {
	ExternalID string `json:"externalId" binding:"required"`
}

// UnsubscribeAll deactivates every token of the user (logout-all).
func (h *Handler) UnsubscribeAll(c *gin.Context) {
	var req unsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "invalid unsubscribe request", map[string]interface{}{"reason": err.Error()})
		return
	}

	user, err := h.directory.LookupUser(c.Request.Context(), req.ExternalID)
	if err != nil {
		apierrors.AbortWithNotFound(c, "unknown user", map[string]interface{}{"externalId": req.ExternalID})
		return
	}

	count, err := h.service.UnsubscribeAll(c.Request.Context(), user.ID)
	if err != nil {
		apierrors.AbortWithInternal(c, "failed to unsubscribe", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deactivated": count})
}

type notifyRequest struct {
	Target Target            `json:"target" binding:"required"`
	Title  string            `json:"title" binding:"required"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data"`
}

// Notify fans a notification out to the target's devices. Delivery is
// best-effort: the response says whether the dispatch ran, never how
// each individual device fared.
func (h *Handler) Notify(c *gin.Context) {
	var req notifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "invalid notify request", map[string]interface{}{"reason": err.Error()})
		return
	}

	delivered, err := h.service.Notify(c.Request.Context(), req.Target, req.Title, req.Body, req.Data)
	if err != nil {
		// Only an empty target reaches here.
		apierrors.AbortWithBadRequest(c, "target must name a user, college, or role", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{"delivered": delivered})
}

package http

import (
	"net/http"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"
	"rillmix/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type MixerHandler struct {
	mixer ports.MixerService
}

func NewMixerHandler(mixer ports.MixerService) *MixerHandler {
	return &MixerHandler{mixer: mixer}
}

// SetupRoutes mounts the control API; middlewares guard the whole group.
func (h *MixerHandler) SetupRoutes(router *gin.Engine, middlewares ...gin.HandlerFunc) {
	api := router.Group("/api/v1", middlewares...)
	{
		api.POST("/inputs", h.AddInput)
		api.PATCH("/inputs/:id/options", h.SetInputOptions)
		api.DELETE("/inputs/:id", h.RemoveInput)

		api.POST("/outputs", h.AddOutput)
		api.PATCH("/outputs/:id/options", h.SetOutputOptions)
		api.DELETE("/outputs/:id", h.RemoveOutput)

		api.PATCH("/options", h.SetOptions)
		api.GET("/stats", h.GetStats)
	}
}

type addRequest struct {
	ID   string                 `json:"id" binding:"max=100"`
	URL  string                 `json:"url" binding:"required,max=2048"`
	Opts map[string]interface{} `json:"opts"`
}

func (h *MixerHandler) AddInput(c *gin.Context) {
	var req addRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if err := h.mixer.AddInput(c.Request.Context(), domain.InputID(req.ID), req.URL, req.Opts); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": req.ID})
}

func (h *MixerHandler) SetInputOptions(c *gin.Context) {
	opts, ok := bindOptions(c)
	if !ok {
		return
	}
	if err := h.mixer.SetInputOptions(c.Request.Context(), domain.InputID(c.Param("id")), opts); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *MixerHandler) RemoveInput(c *gin.Context) {
	if err := h.mixer.RemoveInput(c.Request.Context(), domain.InputID(c.Param("id"))); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *MixerHandler) AddOutput(c *gin.Context) {
	var req addRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if err := h.mixer.AddOutput(c.Request.Context(), domain.OutputID(req.ID), req.URL, req.Opts); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": req.ID})
}

func (h *MixerHandler) SetOutputOptions(c *gin.Context) {
	opts, ok := bindOptions(c)
	if !ok {
		return
	}
	if err := h.mixer.SetOutputOptions(c.Request.Context(), domain.OutputID(c.Param("id")), opts); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *MixerHandler) RemoveOutput(c *gin.Context) {
	if err := h.mixer.RemoveOutput(c.Request.Context(), domain.OutputID(c.Param("id"))); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *MixerHandler) SetOptions(c *gin.Context) {
	opts, ok := bindOptions(c)
	if !ok {
		return
	}
	if err := h.mixer.SetOptions(c.Request.Context(), opts); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *MixerHandler) GetStats(c *gin.Context) {
	stats, err := h.mixer.Stats(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// bindOptions reads a JSON object of option keys. A null value clears the
// key.
func bindOptions(c *gin.Context) (map[string]interface{}, bool) {
	var opts map[string]interface{}
	if err := c.ShouldBindJSON(&opts); err != nil {
		c.Error(errors.NewInvalidInputError("body must be a JSON object of options"))
		return nil, false
	}
	if len(opts) == 0 {
		c.Error(errors.NewInvalidInputError("no options given"))
		return nil, false
	}
	return opts, true
}

var _ ports.HTTPHandler = (*MixerHandler)(nil)

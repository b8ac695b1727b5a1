package referral

import (
	"net/http"
	"strconv"

	"stakeledger/pkg/errutil"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/accounts", h.Register)
	rg.GET("/accounts/:id/downline", h.Downline)
	rg.GET("/accounts/:id/upline", h.Upline)
}

func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	acc, err := h.svc.Register(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, acc)
}

func (h *Handler) Downline(c *gin.Context) {
	out, err := h.svc.Downline(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) Upline(c *gin.Context) {
	depth := MaxDepth
	if v := c.Query("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			_ = c.Error(errutil.BadRequest("depth must be a positive integer", err))
			return
		}
		depth = n
	}

	chain, err := h.svc.UplineOf(c.Request.Context(), c.Param("id"), depth)
	if err != nil {
		_ = c.Error(err)
		return
	}

	members := make([]Member, 0, len(chain))
	for _, a := range chain {
		members = append(members, newMember(a))
	}
	c.JSON(http.StatusOK, gin.H{"account_id": c.Param("id"), "upline": members})
}

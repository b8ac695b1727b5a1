package staking

import (
	"net/http"

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
	rg.GET("/stakes/plans", h.Plans)
	rg.POST("/stakes", h.Create)
	rg.GET("/stakes/:id", h.Get)
	rg.POST("/stakes/:id/withdraw", h.Withdraw)
	rg.POST("/stakes/:id/restake", h.Restake)
	rg.GET("/accounts/:id/stakes", h.List)
}

func (h *Handler) Plans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plans": h.svc.Plans()})
}

func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	stake, err := h.svc.CreateStake(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, stake)
}

func (h *Handler) Get(c *gin.Context) {
	stake, err := h.svc.GetStake(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, stake)
}

func (h *Handler) List(c *gin.Context) {
	var req ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}
	req.AccountID = c.Param("id")

	stakes, err := h.svc.ListStakes(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stakes})
}

func (h *Handler) Withdraw(c *gin.Context) {
	res, err := h.svc.Withdraw(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Restake(c *gin.Context) {
	res, err := h.svc.Restake(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

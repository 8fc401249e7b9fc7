package oms

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/joripage/powerex/pkg/oms/model"
	riskrule "github.com/joripage/powerex/pkg/oms/risk_rule"
)

type submitRequest struct {
	OrderID  string `json:"order_id"`
	UserID   string `json:"user_id" binding:"required"`
	Symbol   string `json:"symbol" binding:"required"`
	Side     string `json:"side" binding:"required,oneof=BUY SELL"`
	Price    int64  `json:"price" binding:"required"`
	Quantity int64  `json:"quantity" binding:"required"`
}

type cancelRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

type orderView struct {
	*model.Order
	LeavesQuantity int64           `json:"leaves_quantity"`
	AvgPrice       decimal.Decimal `json:"avg_price"`
}

func view(o *model.Order) orderView {
	return orderView{Order: o, LeavesQuantity: o.LeavesQuantity(), AvgPrice: o.AvgPrice()}
}

// RegisterRoutes mounts the order entry API on rg.
func (s *OMS) RegisterRoutes(rg *gin.RouterGroup) {
	orders := rg.Group("/orders")
	{
		orders.POST("", s.handleSubmit)
		orders.GET("/:order_id", s.handleGetOrder)
		orders.GET("/:order_id/history", s.handleHistory)
		orders.POST("/:order_id/cancel", s.handleCancel)
	}
	rg.GET("/users/:user_id/orders", s.handleUserOrders)
}

func (s *OMS) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.Submit(c.Request.Context(), &model.AddOrder{
		OrderID:  req.OrderID,
		UserID:   req.UserID,
		Symbol:   req.Symbol,
		Side:     model.OrderSide(req.Side),
		Price:    req.Price,
		Quantity: req.Quantity,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"order_id": id})
}

func (s *OMS) handleCancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.RequestCancel(c.Request.Context(), &model.CancelOrder{OrderID: c.Param("order_id"), UserID: req.UserID})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"order_id": c.Param("order_id")})
}

func (s *OMS) handleGetOrder(c *gin.Context) {
	o, err := s.Order(c.Request.Context(), c.Param("order_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view(o))
}

func (s *OMS) handleHistory(c *gin.Context) {
	events, err := s.History(c.Request.Context(), c.Param("order_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (s *OMS) handleUserOrders(c *gin.Context) {
	orders := s.OrdersByUser(c.Request.Context(), c.Param("user_id"))
	out := make([]orderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, view(o))
	}
	c.JSON(http.StatusOK, out)
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, riskrule.ErrRiskViolation):
		status = http.StatusBadRequest
	case errors.Is(err, ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrDuplicateOrder), errors.Is(err, ErrInvalidOrderStatus):
		status = http.StatusConflict
	case errors.Is(err, ErrPublish):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

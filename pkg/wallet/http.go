package wallet

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

type depositRequest struct {
	Currency  int64 `json:"currency"`
	Inventory int64 `json:"inventory"`
}

// RegisterRoutes mounts account administration on rg.
func (l *Ledger) RegisterRoutes(rg *gin.RouterGroup) {
	accounts := rg.Group("/accounts/:user_id")
	{
		accounts.POST("", l.handleOpen)
		accounts.GET("", l.handleGet)
		accounts.POST("/deposit", l.handleDeposit)
		accounts.GET("/settlements", l.handleSettlements)
	}
}

func (l *Ledger) handleOpen(c *gin.Context) {
	acc, err := l.OpenAccount(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, acc)
}

func (l *Ledger) handleGet(c *gin.Context) {
	acc, err := l.Account(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acc)
}

func (l *Ledger) handleDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	acc, err := l.Deposit(c.Request.Context(), c.Param("user_id"), req.Currency, req.Inventory)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acc)
}

func (l *Ledger) handleSettlements(c *gin.Context) {
	out, err := l.SettlementsByUser(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if out == nil {
		out = []Settlement{}
	}
	c.JSON(http.StatusOK, out)
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrWalletNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrAccountExists):
		status = http.StatusConflict
	case errors.Is(err, ErrInvalidAmount):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

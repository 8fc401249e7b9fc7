package market

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the query surface on rg.
func (s *Service) RegisterRoutes(rg *gin.RouterGroup) {
	m := rg.Group("/market/:symbol")
	{
		m.GET("/book", s.handleBook)
		m.GET("/summary", s.handleSummary)
	}
	rg.GET("/users/:user_id/book-orders", s.handleUserOrders)
	rg.DELETE("/book/orders/:order_id", s.handleCancel)
}

func (s *Service) handleBook(c *gin.Context) {
	depth := DefaultDepth
	if v := c.Query("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "depth must be a positive integer"})
			return
		}
		depth = n
	}
	c.JSON(http.StatusOK, s.Snapshot(c.Request.Context(), c.Param("symbol"), depth))
}

func (s *Service) handleSummary(c *gin.Context) {
	c.JSON(http.StatusOK, s.Summary(c.Request.Context(), c.Param("symbol")))
}

func (s *Service) handleUserOrders(c *gin.Context) {
	c.JSON(http.StatusOK, s.UserOrders(c.Request.Context(), c.Param("user_id")))
}

func (s *Service) handleCancel(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cancelled": s.Cancel(c.Request.Context(), c.Param("order_id"))})
}

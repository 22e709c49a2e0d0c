package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/olyamironova/spot-exchange/internal/api/dto"
	"github.com/olyamironova/spot-exchange/internal/core"
	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/middleware"
	"github.com/olyamironova/spot-exchange/internal/port"
	"github.com/shopspring/decimal"
)

func (s *HTTPServer) createOrder(c *gin.Context) {
	var req dto.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	side, err := domain.ParseSide(req.Side)
	if err != nil {
		s.fail(c, err)
		return
	}
	o, err := s.Eng.CreateOrder(c.Request.Context(), core.CreateOrderRequest{
		UserID: middleware.UserID(c),
		Symbol: req.Symbol,
		Side:   side,
		Price:  req.Price,
		Amount: req.Amount,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.FromOrder(o))
}

func (s *HTTPServer) listOrders(c *gin.Context) {
	var q dto.ListOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	f, err := q.Filter()
	if err != nil {
		s.fail(c, err)
		return
	}
	page, err := s.Eng.ListUserOrders(c.Request.Context(), middleware.UserID(c), f, port.Page{Number: q.Page, PerPage: q.PerPage})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromOrderPage(page))
}

// ownedOrder loads an order and checks it belongs to the caller.
func (s *HTTPServer) ownedOrder(c *gin.Context) (*domain.Order, bool) {
	id := c.Param("id")
	o, err := s.Eng.GetOrder(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	if o.UserID != middleware.UserID(c) {
		s.fail(c, fmt.Errorf("%w: order %s", domain.ErrNotOwner, id))
		return nil, false
	}
	return o, true
}

func (s *HTTPServer) getOrder(c *gin.Context) {
	o, ok := s.ownedOrder(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, dto.FromOrder(o))
}

func (s *HTTPServer) getOrderTrades(c *gin.Context) {
	o, ok := s.ownedOrder(c)
	if !ok {
		return
	}
	trades, err := s.Eng.GetTradesForOrder(c.Request.Context(), o.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": dto.FromTrades(trades)})
}

func (s *HTTPServer) cancelOrder(c *gin.Context) {
	o, err := s.Eng.CancelOrder(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromOrder(o))
}

func (s *HTTPServer) getOrderbook(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		badRequest(c, fmt.Errorf("symbol is required"))
		return
	}
	limit, ok := intQuery(c, "limit")
	if !ok {
		return
	}
	snap, err := s.Eng.GetOrderBook(c.Request.Context(), symbol, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromSnapshot(snap))
}

func (s *HTTPServer) listTrades(c *gin.Context) {
	limit, ok := intQuery(c, "limit")
	if !ok {
		return
	}
	trades, err := s.Eng.ListUserTrades(c.Request.Context(), middleware.UserID(c), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": dto.FromTrades(trades)})
}

func (s *HTTPServer) initializeAccount(c *gin.Context) {
	bs, err := s.Eng.InitializeAccount(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"balances": dto.FromBalances(bs)})
}

func (s *HTTPServer) getBalances(c *gin.Context) {
	bs, err := s.Eng.GetBalances(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": dto.FromBalances(bs)})
}

func (s *HTTPServer) deposit(c *gin.Context) {
	s.changeBalance(c, s.Eng.Deposit)
}

func (s *HTTPServer) withdraw(c *gin.Context) {
	s.changeBalance(c, s.Eng.Withdraw)
}

type balanceOp func(ctx context.Context, userID, asset string, amount decimal.Decimal) (*domain.Balance, error)

func (s *HTTPServer) changeBalance(c *gin.Context, op balanceOp) {
	var req dto.BalanceChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	b, err := op(c.Request.Context(), middleware.UserID(c), req.Asset, req.Amount)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromBalance(b))
}

func intQuery(c *gin.Context, key string) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		badRequest(c, fmt.Errorf("%s: %w", key, err))
		return 0, false
	}
	return n, true
}

package handler

import (
	"errors"
	"strconv"

	"github.com/atra-trading/execution-engine/internal/execution"
	"github.com/atra-trading/execution-engine/internal/models"
	"github.com/atra-trading/execution-engine/internal/order"
	"github.com/atra-trading/execution-engine/internal/position"
	"github.com/atra-trading/execution-engine/internal/repository"
	"github.com/atra-trading/execution-engine/internal/service"
	"github.com/atra-trading/execution-engine/internal/slippage"
	"github.com/atra-trading/execution-engine/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// EngineHandler exposes the execution engine over HTTP: signal submission,
// position and order inspection, statistics.
type EngineHandler struct {
	coordinator *execution.Coordinator
	router      *order.Router
	ledger      *position.Ledger
	estimator   *slippage.Estimator
	tradeRepo   *repository.TradeRepository
	credService *service.CredentialService
}

// NewEngineHandler creates a new EngineHandler
func NewEngineHandler(coordinator *execution.Coordinator, router *order.Router, ledger *position.Ledger, estimator *slippage.Estimator, tradeRepo *repository.TradeRepository, credService *service.CredentialService) *EngineHandler {
	return &EngineHandler{
		coordinator: coordinator,
		router:      router,
		ledger:      ledger,
		estimator:   estimator,
		tradeRepo:   tradeRepo,
		credService: credService,
	}
}

// SubmitSignal executes a trade signal
// POST /api/v1/signals
func (h *EngineHandler) SubmitSignal(c *gin.Context) {
	var sig models.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.coordinator.Execute(c.Request.Context(), sig)
	if err != nil {
		switch {
		case errors.Is(err, execution.ErrInvalidSignal),
			errors.Is(err, execution.ErrInvalidDirection),
			errors.Is(err, execution.ErrSpotShort),
			errors.Is(err, execution.ErrQuantityTooSmall):
			response.BadRequest(c, err.Error())
		case errors.Is(err, execution.ErrDuplicateSignal),
			errors.Is(err, execution.ErrDuplicatePosition):
			response.Conflict(c, err.Error())
		case errors.Is(err, execution.ErrTrendRejected),
			errors.Is(err, execution.ErrRiskRejected):
			if result != nil {
				response.Success(c, result)
				return
			}
			response.BadRequest(c, err.Error())
		default:
			response.InternalError(c, err.Error())
		}
		return
	}

	response.Success(c, result)
}

// GetPositions lists a user's open positions
// GET /api/v1/positions?user_id=...
func (h *EngineHandler) GetPositions(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.BadRequest(c, "user_id is required")
		return
	}

	response.Success(c, h.ledger.ByUser(userID))
}

// ClosePosition manually closes an open position
// POST /api/v1/positions/close
func (h *EngineHandler) ClosePosition(c *gin.Context) {
	var req struct {
		UserID    string          `json:"user_id" binding:"required"`
		Symbol    string          `json:"symbol" binding:"required"`
		ExitPrice decimal.Decimal `json:"exit_price"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	report, err := h.ledger.Close(req.UserID, req.Symbol, req.ExitPrice, models.CloseReasonManual)
	if err != nil {
		if errors.Is(err, position.ErrPositionNotFound) {
			response.NotFound(c, "position not open")
			return
		}
		response.InternalError(c, err.Error())
		return
	}

	response.Success(c, report)
}

// GetOrder returns one order
// GET /api/v1/orders/:id
func (h *EngineHandler) GetOrder(c *gin.Context) {
	o, err := h.router.Get(c.Param("id"))
	if err != nil {
		response.NotFound(c, "order not found")
		return
	}
	response.Success(c, o)
}

// GetOrders lists orders by user or symbol
// GET /api/v1/orders?user_id=... | ?symbol=...
func (h *EngineHandler) GetOrders(c *gin.Context) {
	if userID := c.Query("user_id"); userID != "" {
		response.Success(c, h.router.ByUser(userID))
		return
	}
	if symbol := c.Query("symbol"); symbol != "" {
		response.Success(c, h.router.BySymbol(symbol))
		return
	}
	response.BadRequest(c, "user_id or symbol is required")
}

// CancelOrder cancels a pending order
// DELETE /api/v1/orders/:id
func (h *EngineHandler) CancelOrder(c *gin.Context) {
	if err := h.router.Cancel(c.Param("id")); err != nil {
		switch {
		case errors.Is(err, order.ErrOrderNotFound):
			response.NotFound(c, "order not found")
		case errors.Is(err, order.ErrOrderNotPending):
			response.Conflict(c, "order is not pending")
		default:
			response.InternalError(c, err.Error())
		}
		return
	}
	response.Success(c, gin.H{"cancelled": c.Param("id")})
}

// GetStatistics returns router and ledger statistics
// GET /api/v1/statistics
func (h *EngineHandler) GetStatistics(c *gin.Context) {
	response.Success(c, gin.H{
		"orders":    h.router.Statistics(),
		"positions": h.ledger.Stats(),
	})
}

// GetSlippage returns slippage statistics for a symbol
// GET /api/v1/slippage/:symbol
func (h *EngineHandler) GetSlippage(c *gin.Context) {
	symbol := c.Param("symbol")
	response.Success(c, gin.H{
		"symbol":          symbol,
		"rolling_avg_pct": h.estimator.RollingAverage(symbol) * 100,
		"stats":           h.estimator.SymbolStatistics(symbol),
	})
}

// GetTrades lists closed trades for a user, paginated
// GET /api/v1/trades?user_id=...&page=1&page_size=20
func (h *EngineHandler) GetTrades(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.BadRequest(c, "user_id is required")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	trades, total, err := h.tradeRepo.GetByUserPaginated(userID, page, pageSize)
	if err != nil {
		response.InternalError(c, "failed to load trades")
		return
	}

	response.SuccessPaginated(c, trades, total, page, pageSize)
}

// StoreCredential stores an encrypted exchange credential set
// POST /api/v1/credentials
func (h *EngineHandler) StoreCredential(c *gin.Context) {
	var req service.StoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if err := h.credService.Store(&req); err != nil {
		response.InternalError(c, "failed to store credential")
		return
	}

	response.Created(c, gin.H{"user_id": req.UserID, "exchange": req.Exchange})
}

// RegisterRoutes registers engine routes
func (h *EngineHandler) RegisterRoutes(rg *gin.RouterGroup, signalLogger gin.HandlerFunc) {
	rg.POST("/signals", signalLogger, h.SubmitSignal)

	rg.GET("/positions", h.GetPositions)
	rg.POST("/positions/close", signalLogger, h.ClosePosition)

	rg.GET("/orders", h.GetOrders)
	rg.GET("/orders/:id", h.GetOrder)
	rg.DELETE("/orders/:id", h.CancelOrder)

	rg.GET("/statistics", h.GetStatistics)
	rg.GET("/slippage/:symbol", h.GetSlippage)
	rg.GET("/trades", h.GetTrades)

	rg.POST("/credentials", h.StoreCredential)
}

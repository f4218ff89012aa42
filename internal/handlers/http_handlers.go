package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"tokenlottery/internal/models"
	"tokenlottery/internal/oracle"
	"tokenlottery/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"
)

// IdentityHeader carries the caller identity. Signature checking happens
// before requests reach this service.
const IdentityHeader = "X-Identity"

const identityKey = "identity"

// Revealer publishes oracle values by hand. Only the manual oracle is one.
type Revealer interface {
	Reveal(ref string, value uint64) error
}

// HTTPHandler holds the dependencies for the HTTP handlers, like the lottery service.
type HTTPHandler struct {
	service  *services.LotteryService
	revealer Revealer
}

// NewHTTPHandler creates a new HTTPHandler. revealer may be nil.
func NewHTTPHandler(service *services.LotteryService, revealer Revealer) *HTTPHandler {
	return &HTTPHandler{
		service:  service,
		revealer: revealer,
	}
}

// IdentityMiddleware rejects requests without a caller identity and stores
// it in the context.
func (h *HTTPHandler) IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(IdentityHeader)
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "MissingIdentity",
				"message": IdentityHeader + " header is required",
			})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// RegisterPublicRoutes registers the read-only routes.
func (h *HTTPHandler) RegisterPublicRoutes(router gin.IRoutes) {
	router.GET("/slot", h.GetSlot)
	router.GET("/config", h.GetConfig)
	router.GET("/lotteries", h.ListLotteries)
	router.GET("/lotteries/:id", h.GetLottery)
	router.GET("/lotteries/:id/tickets", h.ListTickets)
	router.GET("/lotteries/:id/tickets/:ticket", h.GetTicket)
	router.GET("/accounts/:account", h.GetBalance)
}

// RegisterIdentityRoutes registers the routes that act on behalf of a caller.
func (h *HTTPHandler) RegisterIdentityRoutes(router gin.IRoutes) {
	router.POST("/config", h.InitializeConfig)
	router.POST("/lotteries", h.CreateLottery)
	router.POST("/lotteries/:id/tickets", h.BuyTicket)
	router.POST("/lotteries/:id/commit", h.CommitRandomness)
	router.POST("/lotteries/:id/winner", h.ChooseWinner)
	router.POST("/lotteries/:id/claim", h.ClaimPrize)
	router.POST("/accounts/:account/credit", h.Credit)
	if h.revealer != nil {
		router.POST("/oracle/:ref/reveal", h.Reveal)
	}
}

// NewRouter builds a gin engine with every route registered.
func (h *HTTPHandler) NewRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	h.RegisterPublicRoutes(r)
	identity := r.Group("/")
	identity.Use(h.IdentityMiddleware())
	h.RegisterIdentityRoutes(identity)
	return r
}

func caller(c *gin.Context) string {
	return c.GetString(identityKey)
}

// fail writes err as a JSON error response.
func fail(c *gin.Context, err error) {
	var lerr *services.Error
	if !errors.As(err, &lerr) {
		logger.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal", "message": "internal error"})
		return
	}
	c.JSON(statusOf(lerr), gin.H{
		"error":     lerr.Code,
		"kind":      lerr.Kind.String(),
		"message":   lerr.Message,
		"retryable": lerr.Retryable(),
	})
}

func statusOf(err *services.Error) int {
	if err.Retryable() {
		return http.StatusAccepted
	}
	switch err.Kind {
	case services.KindInvalid:
		return http.StatusBadRequest
	case services.KindNotFound:
		return http.StatusNotFound
	case services.KindAuthorization:
		return http.StatusForbidden
	case services.KindArithmetic:
		return http.StatusUnprocessableEntity
	case services.KindOracle:
		if err == services.ErrOracleUnavailable {
			return http.StatusBadGateway
		}
		return http.StatusConflict
	default:
		return http.StatusConflict
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "BadRequest", "message": msg})
}

// GetSlot returns the current ledger slot.
func (h *HTTPHandler) GetSlot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"slot": h.service.Slot()})
}

// InitializeConfig handles the one-time config creation.
func (h *HTTPHandler) InitializeConfig(c *gin.Context) {
	var p services.ConfigParams
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, err.Error())
		return
	}
	cfg, err := h.service.InitializeConfig(caller(c), p)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, cfg)
}

// GetConfig returns the config.
func (h *HTTPHandler) GetConfig(c *gin.Context) {
	cfg, err := h.service.Config()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// CreateLottery handles lottery creation by the authority.
func (h *HTTPHandler) CreateLottery(c *gin.Context) {
	lot, err := h.service.CreateLottery(caller(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, lot)
}

// ListLotteries returns every active lottery.
func (h *HTTPHandler) ListLotteries(c *gin.Context) {
	lots, err := h.service.Lotteries()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, lots)
}

// GetLottery returns one lottery.
func (h *HTTPHandler) GetLottery(c *gin.Context) {
	lot, err := h.service.Lottery(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, lot)
}

type amountRequest struct {
	Amount uint64 `json:"amount"`
}

type buyRequest struct {
	Payment uint64 `json:"payment"`
}

type ticketResponse struct {
	Name string `json:"name"`
	*models.Ticket
}

// BuyTicket handles a purchase by the caller.
func (h *HTTPHandler) BuyTicket(c *gin.Context) {
	var req buyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	tk, err := h.service.BuyTicket(c.Param("id"), caller(c), req.Payment)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ticketResponse{Name: tk.Name(), Ticket: tk})
}

// ListTickets returns the tickets of a lottery.
func (h *HTTPHandler) ListTickets(c *gin.Context) {
	tickets, err := h.service.Tickets(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]ticketResponse, 0, len(tickets))
	for _, tk := range tickets {
		out = append(out, ticketResponse{Name: tk.Name(), Ticket: tk})
	}
	c.JSON(http.StatusOK, out)
}

// GetTicket returns a single ticket.
func (h *HTTPHandler) GetTicket(c *gin.Context) {
	n, err := strconv.ParseUint(c.Param("ticket"), 10, 64)
	if err != nil {
		badRequest(c, "invalid ticket id")
		return
	}
	tk, err := h.service.Ticket(c.Param("id"), n)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ticketResponse{Name: tk.Name(), Ticket: tk})
}

// CommitRandomness binds an oracle commitment once the sale is closed.
func (h *HTTPHandler) CommitRandomness(c *gin.Context) {
	committed, err := h.service.CommitRandomness(c.Param("id"), caller(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, committed)
}

// ChooseWinner consumes the revealed value. 202 means the oracle has not
// revealed yet and the call should be repeated.
func (h *HTTPHandler) ChooseWinner(c *gin.Context) {
	lot, err := h.service.ChooseWinner(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, lot)
}

// ClaimPrize pays the pot to the caller if they hold the winning ticket.
func (h *HTTPHandler) ClaimPrize(c *gin.Context) {
	paid, err := h.service.ClaimPrize(c.Param("id"), caller(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paid": paid})
}

// Credit funds an account. Only the authority may mint.
func (h *HTTPHandler) Credit(c *gin.Context) {
	if err := h.service.Authorize(caller(c)); err != nil {
		fail(c, err)
		return
	}
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	balance, err := h.service.Credit(c.Param("account"), req.Amount)
	if err != nil {
		fail(c, err)
		return
	}
	logger.Infof("Credited %d to %s by %s", req.Amount, c.Param("account"), caller(c))
	c.JSON(http.StatusOK, gin.H{"account": c.Param("account"), "balance": balance})
}

// GetBalance returns an account balance.
func (h *HTTPHandler) GetBalance(c *gin.Context) {
	balance, err := h.service.Balance(c.Param("account"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": c.Param("account"), "balance": balance})
}

type revealRequest struct {
	Value *uint64 `json:"value" binding:"required"`
}

// Reveal publishes a value through the manual oracle. Only the authority
// may reveal.
func (h *HTTPHandler) Reveal(c *gin.Context) {
	if err := h.service.Authorize(caller(c)); err != nil {
		fail(c, err)
		return
	}
	var req revealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ref := c.Param("ref")
	if err := h.revealer.Reveal(ref, *req.Value); err != nil {
		if errors.Is(err, oracle.ErrUnknownCommitment) {
			c.JSON(http.StatusNotFound, gin.H{"error": "UnknownCommitment", "message": err.Error()})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": "RevealRejected", "message": err.Error()})
		return
	}
	logger.Infof("Oracle value revealed for %s by %s", ref, caller(c))
	c.JSON(http.StatusOK, gin.H{"ref": ref, "value": *req.Value})
}

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"pos-sync-agent/internal/service"
	"pos-sync-agent/internal/store"
	"pos-sync-agent/internal/syncengine"
	"pos-sync-agent/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	sales   *service.SalesService
	tickets *service.TicketService
	shifts  *service.ShiftService
	catalog *service.CatalogService
	engine  *syncengine.Engine
	bus     *syncengine.StatusBus
	store   *store.Store
}

// NewHandler creates a new HTTP handler
func NewHandler(sales *service.SalesService, tickets *service.TicketService,
	shifts *service.ShiftService, catalog *service.CatalogService,
	engine *syncengine.Engine, bus *syncengine.StatusBus, st *store.Store) *Handler {
	return &Handler{
		sales:   sales,
		tickets: tickets,
		shifts:  shifts,
		catalog: catalog,
		engine:  engine,
		bus:     bus,
		store:   st,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/checkout", h.checkout)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)

		v1.POST("/tickets", h.parkTicket)
		v1.GET("/tickets", h.listTickets)
		v1.GET("/tickets/:id", h.getTicket)
		v1.PUT("/tickets/:id", h.updateTicket)
		v1.POST("/tickets/:id/close", h.closeTicket)

		v1.POST("/shifts", h.openShift)
		v1.POST("/shifts/:id/close", h.closeShift)
		v1.GET("/shifts/active", h.activeShift)

		v1.GET("/products", h.listProducts)
		v1.GET("/customers", h.listCustomers)
		v1.GET("/users", h.listUsers)
		v1.POST("/catalog/refresh", h.refreshCatalog)

		v1.GET("/sync/status", h.syncStatus)
		v1.POST("/sync/force", h.forceSync)
		v1.GET("/sync/queue/failed", h.listFailed)
		v1.POST("/sync/queue/:id/retry", h.retryFailed)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// checkout handles a completed sale
func (h *Handler) checkout(c *gin.Context) {
	var req service.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	resp, err := h.sales.Checkout(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "Checkout failed",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// listOrders returns recent orders
func (h *Handler) listOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	orders, err := h.sales.GetRecentOrders(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list orders"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}

	order, items, payments, err := h.sales.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(notFoundStatus(err), gin.H{
			"error":   "Order not found",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order":    order,
		"items":    items,
		"payments": payments,
	})
}

// parkTicket parks the current cart
func (h *Handler) parkTicket(c *gin.Context) {
	var req service.ParkTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	ticket, err := h.tickets.Park(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "Failed to park ticket",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, ticket)
}

// listTickets returns open tickets
func (h *Handler) listTickets(c *gin.Context) {
	tickets, err := h.tickets.ListOpen(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list tickets"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tickets": tickets})
}

// getTicket returns a ticket with its items
func (h *Handler) getTicket(c *gin.Context) {
	ticketID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ticket ID"})
		return
	}

	ticket, items, err := h.tickets.Get(c.Request.Context(), ticketID)
	if err != nil {
		c.JSON(notFoundStatus(err), gin.H{
			"error":   "Ticket not found",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket": ticket, "items": items})
}

// updateTicket replaces a ticket's items
func (h *Handler) updateTicket(c *gin.Context) {
	ticketID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ticket ID"})
		return
	}

	var req service.UpdateTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	ticket, err := h.tickets.Update(c.Request.Context(), ticketID, &req)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "Failed to update ticket",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// closeTicket converts a ticket into a paid order
func (h *Handler) closeTicket(c *gin.Context) {
	ticketID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ticket ID"})
		return
	}

	var req service.CloseTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	resp, err := h.tickets.Close(c.Request.Context(), ticketID, &req)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "Failed to close ticket",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// openShift opens a cash-drawer session
func (h *Handler) openShift(c *gin.Context) {
	var req service.OpenShiftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	session, err := h.shifts.Open(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "Failed to open shift",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, session)
}

// closeShift closes a session with a counted balance
func (h *Handler) closeShift(c *gin.Context) {
	sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session ID"})
		return
	}

	var req service.CloseShiftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	session, err := h.shifts.Close(c.Request.Context(), sessionID, &req)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "Failed to close shift",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, session)
}

// activeShift returns the user's active session, if any
func (h *Handler) activeShift(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}

	session, err := h.shifts.Active(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get session"})
		return
	}
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No active session"})
		return
	}
	c.JSON(http.StatusOK, session)
}

// listProducts returns the local product catalog
func (h *Handler) listProducts(c *gin.Context) {
	if barcode := c.Query("barcode"); barcode != "" {
		product, err := h.store.GetProductByBarcode(c.Request.Context(), barcode)
		if err != nil {
			c.JSON(notFoundStatus(err), gin.H{"error": "Product not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"products": []interface{}{product}})
		return
	}
	products, err := h.store.GetProducts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list products"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

// listCustomers returns known customers
func (h *Handler) listCustomers(c *gin.Context) {
	customers, err := h.store.GetCustomers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list customers"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"customers": customers})
}

// listUsers returns staff users. PINs are never included.
func (h *Handler) listUsers(c *gin.Context) {
	users, err := h.store.GetUsers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list users"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// refreshCatalog pulls reference data from the remote store
func (h *Handler) refreshCatalog(c *gin.Context) {
	result, err := h.catalog.Refresh(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "Catalog refresh incomplete",
			"details": err.Error(),
			"result":  result,
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

// syncStatus returns the engine's latest status snapshot
func (h *Handler) syncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.bus.Last())
}

// forceSync runs a sync pass now and waits for it to finish
func (h *Handler) forceSync(c *gin.Context) {
	err := h.engine.ForceSync(c.Request.Context())
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, syncengine.ErrOffline):
			status = http.StatusConflict
		case errors.Is(err, syncengine.ErrStopped):
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"error":   "Force sync failed",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, h.bus.Last())
}

// listFailed returns queue entries that hit a permanent error
func (h *Handler) listFailed(c *gin.Context) {
	entries, err := h.store.ListFailed(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list queue"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// retryFailed puts a failed entry back in line
func (h *Handler) retryFailed(c *gin.Context) {
	entryID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid entry ID"})
		return
	}

	if err := h.store.RetryFailed(c.Request.Context(), entryID); err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "Retry failed",
			"details": err.Error(),
		})
		return
	}
	h.engine.NotifyLocalChange()
	c.JSON(http.StatusAccepted, gin.H{"id": entryID, "status": "pending"})
}

func notFoundStatus(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(duration)
		util.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}

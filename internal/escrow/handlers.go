package escrow

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/taskilo/settlement/internal/pagination"
	"github.com/taskilo/settlement/internal/validation"
)

// Gin context keys holding the acting party, set by the internal auth middleware.
const (
	ContextKeyActorRole = "actorRole"
	ContextKeyActorID   = "actorId"
)

// ActorFromContext returns the actor the calling application vouched for.
func ActorFromContext(c *gin.Context) Actor {
	return Actor{Role: Role(c.GetString(ContextKeyActorRole)), ID: c.GetString(ContextKeyActorID)}
}

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service   *Service
	scheduler *Scheduler
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, scheduler *Scheduler) *Handler {
	return &Handler{service: service, scheduler: scheduler}
}

// RegisterRoutes sets up escrow routes. The group must already enforce
// internal authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	ids := validation.IDParamMiddleware("id", "providerId")
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows/:id", ids, h.GetEscrow)
	r.POST("/escrows/:id/transitions", ids, h.ApplyTransition)
	r.GET("/providers/:providerId/escrows", ids, h.ListProviderEscrows)
	r.GET("/providers/:providerId/summary", ids, h.ProviderSummary)
	if h.scheduler != nil {
		r.POST("/internal/clearing/run", h.RunClearing)
	}
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	escrow, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		var verrs validation.ValidationErrors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": verrs.Error(),
				"details": verrs,
			})
			return
		}
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ApplyTransition handles POST /v1/escrows/:id/transitions
func (h *Handler) ApplyTransition(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Event == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must name an event",
		})
		return
	}

	actor := ActorFromContext(c)
	if !actor.Role.Valid() {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "A valid acting role is required",
		})
		return
	}

	key := req.IdempotencyKey
	if key == "" {
		key = c.GetHeader("Idempotency-Key")
	}

	escrow, err := h.service.ApplyTransition(c.Request.Context(), c.Param("id"), Command{
		Event:           req.Event,
		Actor:           actor,
		Reason:          validation.SanitizeString(req.Reason, 2000),
		ExternalEventID: key,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListProviderEscrows handles GET /v1/providers/:providerId/escrows
func (h *Handler) ListProviderEscrows(c *gin.Context) {
	escrows, err := h.service.ListByProvider(c.Request.Context(), c.Param("providerId"))
	if err != nil {
		writeError(c, err)
		return
	}
	if escrows == nil {
		escrows = []*Escrow{}
	}

	rawLimit, rawCursor := c.Query("limit"), c.Query("cursor")
	if rawLimit == "" && rawCursor == "" {
		c.JSON(http.StatusOK, gin.H{
			"escrows": escrows,
			"count":   len(escrows),
		})
		return
	}

	limit, err := pagination.ParseLimit(rawLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	cursor, err := pagination.Decode(rawCursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	sort.SliceStable(escrows, func(i, j int) bool {
		if escrows[i].CreatedAt.Equal(escrows[j].CreatedAt) {
			return escrows[i].ID > escrows[j].ID
		}
		return escrows[i].CreatedAt.After(escrows[j].CreatedAt)
	})
	page := make([]*Escrow, 0, limit+1)
	for _, e := range escrows {
		if len(page) > limit {
			break
		}
		if cursor.Passed(e.CreatedAt, e.ID) {
			page = append(page, e)
		}
	}
	page, next, more := pagination.ComputePage(page, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"escrows":    page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    more,
	})
}

// ProviderSummary handles GET /v1/providers/:providerId/summary
func (h *Handler) ProviderSummary(c *gin.Context) {
	summary, err := h.service.ProviderSummary(c.Request.Context(), c.Param("providerId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

// RunClearing handles POST /v1/internal/clearing/run
func (h *Handler) RunClearing(c *gin.Context) {
	if role := ActorFromContext(c).Role; role != RoleSystem && role != RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Only the system or an administrator can run clearing",
		})
		return
	}

	result, err := h.scheduler.RunOnce(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrActorNotPermitted):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrInvalidEscrow):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrDuplicateEscrow):
		status, code = http.StatusConflict, "duplicate_escrow"
	case errors.Is(err, ErrTransientFailure):
		status, code = http.StatusServiceUnavailable, "temporarily_unavailable"
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": UserMessage(err),
	})
}

// UserMessage turns an escrow error into a plain-language sentence fit for
// the marketplace UI.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEscrowNotFound):
		return "Payment not found."
	case errors.Is(err, ErrAlreadyResolved):
		return "This payment has already been settled and can no longer be changed."
	case errors.Is(err, ErrActorNotPermitted):
		return "You are not allowed to perform this action on this payment."
	case errors.Is(err, ErrReasonRequired):
		return "Please describe the problem before opening a dispute."
	case errors.Is(err, ErrAmountMismatch):
		return "The captured amount does not match the order total."
	case errors.Is(err, ErrClearingNotElapsed):
		return "The clearing period for this payment has not ended yet."
	case errors.Is(err, ErrRefundWindowClosed):
		return "The refund window for this payment has closed."
	case errors.Is(err, ErrUnknownEvent):
		return "This action is not recognized."
	case errors.Is(err, ErrInvalidStatus):
		return "This action is not available in the payment's current state."
	case errors.Is(err, ErrPayoutNotEligible):
		return "Only released payments can be paid out."
	case errors.Is(err, ErrPayoutAlreadyMarked):
		return "This payment has already been paid out."
	case errors.Is(err, ErrPayoutClaimed):
		return "A payout for this payment is already in progress."
	case errors.Is(err, ErrInvalidEscrow):
		return "The payment details are invalid."
	case errors.Is(err, ErrDuplicateEscrow):
		return "A payment with this id already exists."
	default:
		return "The payment service is temporarily unavailable. Please try again."
	}
}

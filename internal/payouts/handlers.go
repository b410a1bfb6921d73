package payouts

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskilo/settlement/internal/escrow"
	"github.com/taskilo/settlement/internal/validation"
)

// Handler provides the admin payout endpoint.
type Handler struct {
	service *Service
}

// NewHandler creates a payout handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up payout routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/providers/:providerId/payouts", validation.IDParamMiddleware("providerId"), h.PayoutProvider)
}

// PayoutProvider handles POST /providers/:providerId/payouts
func (h *Handler) PayoutProvider(c *gin.Context) {
	if escrow.ActorFromContext(c).Role != escrow.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Only administrators can trigger payouts",
		})
		return
	}

	var b Beneficiary
	if err := c.ShouldBindJSON(&b); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if err := validation.Struct(b); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
			"details": err,
		})
		return
	}

	result, err := h.service.PayoutProvider(c.Request.Context(), c.Param("providerId"), b)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"payout": result})
	case errors.Is(err, ErrNothingToPay):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "nothing_to_pay",
			"message": "There are no released payments awaiting payout.",
		})
	case errors.Is(err, ErrPayoutInProgress):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "payout_in_progress",
			"message": "A payout for this provider is already running.",
		})
	case errors.Is(err, ErrInvalidBeneficiary):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	case errors.Is(err, ErrTransferRejected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "transfer_rejected",
			"message": err.Error(),
			"payout":  result,
		})
	case errors.Is(err, ErrTransferFailed):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "transfer_failed",
			"message": "The bank did not accept the transfer. Please try again later.",
			"payout":  result,
		})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "temporarily_unavailable",
			"message": escrow.UserMessage(err),
		})
	}
}

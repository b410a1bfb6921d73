package webhooks

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskilo/settlement/internal/escrow"
	"github.com/taskilo/settlement/internal/logging"
	"github.com/taskilo/settlement/internal/validation"
)

// Handler exposes the provider webhook endpoints.
type Handler struct {
	guard     *Guard
	providers map[string]Provider
}

// NewHandler creates a webhook handler for the given providers.
func NewHandler(guard *Guard, providers ...Provider) *Handler {
	h := &Handler{guard: guard, providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		h.providers[p.Name()] = p
	}
	return h
}

// RegisterRoutes sets up webhook routes. They sit outside the internal auth
// group: providers authenticate with signatures.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/:provider", h.Receive)
}

// Receive handles POST /webhooks/:provider
func (h *Handler) Receive(c *gin.Context) {
	p, ok := h.providers[c.Param("provider")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "unknown payment provider"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, validation.MaxWebhookSize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unreadable body"})
		return
	}

	ctx := logging.WithLogger(c.Request.Context(),
		logging.L(c.Request.Context()).With("remoteAddr", c.ClientIP()))
	res, err := h.guard.Ingest(ctx, p, c.Request.Header, body)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrInvalidSignature):
			status = http.StatusUnauthorized
		case errors.Is(err, ErrMalformedPayload):
			status = http.StatusBadRequest
		case errors.Is(err, ErrUnknownEscrow):
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"success": false, "error": publicError(err)})
		return
	}

	switch res.Outcome {
	case escrow.OutcomeDuplicate:
		c.JSON(http.StatusOK, gin.H{"success": true, "duplicate": true})
	case escrow.OutcomeRejected:
		// Acknowledged so the provider stops retrying; the event id is recorded.
		c.JSON(http.StatusOK, gin.H{"success": false, "error": res.Rejection.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{
			"success":  true,
			"escrowId": res.Escrow.ID,
			"status":   res.Escrow.Status,
		})
	}
}

// publicError keeps signature details out of responses.
func publicError(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return ErrInvalidSignature.Error()
	case errors.Is(err, ErrUnknownEscrow):
		return ErrUnknownEscrow.Error()
	case errors.Is(err, ErrMalformedPayload):
		return err.Error()
	default:
		return escrow.ErrTransientFailure.Error()
	}
}

package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"postal/internal/constants"
	"postal/internal/envelope"
	"postal/internal/logger"
	"postal/internal/persistence"
	"postal/internal/runtime"
	apperrors "postal/pkg/errors"
)

type EndpointLister interface {
	Status() []runtime.EndpointStatus
}

type DeadLetterStore interface {
	DeadLetters(ctx context.Context, limit int) ([]*envelope.ErrorReport, error)
	ReplayDeadLetter(ctx context.Context, id string) error
}

// DeadLetter is the API view of an error report. The captured envelope body
// is left out.
type DeadLetter struct {
	ID               string    `json:"id"`
	EnvelopeID       string    `json:"envelope_id"`
	MessageType      string    `json:"message_type"`
	Endpoint         string    `json:"endpoint"`
	ExceptionType    string    `json:"exception_type"`
	ExceptionMessage string    `json:"exception_message"`
	Attempts         int       `json:"attempts"`
	Time             time.Time `json:"time"`
}

type Handler struct {
	endpoints EndpointLister
	store     DeadLetterStore
	log       logger.Logger
}

// NewHandler builds the admin API. store may be nil when no node endpoint
// persists anything.
func NewHandler(endpoints EndpointLister, store DeadLetterStore, log logger.Logger) *Handler {
	if log == nil {
		log = logger.NopLogger()
	}
	return &Handler{endpoints: endpoints, store: store, log: log}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.GET("/endpoints", h.ListEndpoints)

		deadLetters := v1.Group("/dead-letters")
		{
			deadLetters.GET("", h.ListDeadLetters)
			deadLetters.POST("/:id/replay", h.ReplayDeadLetter)
		}
	}
}

func (h *Handler) HandleError(c *gin.Context, err error) {
	h.log.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	c.JSON(apperrors.ToHTTPStatus(err), apperrors.ToErrorResponse(err))
}

func (h *Handler) ListEndpoints(c *gin.Context) {
	c.JSON(http.StatusOK, h.endpoints.Status())
}

func (h *Handler) ListDeadLetters(c *gin.Context) {
	if h.store == nil {
		h.HandleError(c, apperrors.ErrServiceUnavailable.WithMessage("no envelope store configured"))
		return
	}

	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	reports, err := h.store.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		h.HandleError(c, apperrors.ErrInternal.WithCause(err))
		return
	}

	out := make([]DeadLetter, 0, len(reports))
	for _, r := range reports {
		out = append(out, DeadLetter{
			ID:               r.ID,
			EnvelopeID:       r.EnvelopeID,
			MessageType:      r.MessageType,
			Endpoint:         r.Endpoint,
			ExceptionType:    r.ExceptionType,
			ExceptionMessage: r.ExceptionMessage,
			Attempts:         r.Attempts,
			Time:             r.Time,
		})
	}
	c.JSON(http.StatusOK, out)
}

// ReplayDeadLetter moves a dead letter back to the inbox, where recovery
// picks it up on the next pass.
func (h *Handler) ReplayDeadLetter(c *gin.Context) {
	if h.store == nil {
		h.HandleError(c, apperrors.ErrServiceUnavailable.WithMessage("no envelope store configured"))
		return
	}

	id := c.Param("id")
	if err := h.store.ReplayDeadLetter(c.Request.Context(), id); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			h.HandleError(c, apperrors.ErrNotFound.WithMessage("dead letter "+id+" not found"))
			return
		}
		if errors.Is(err, persistence.ErrDuplicate) {
			h.HandleError(c, apperrors.ErrConflict.WithMessage("envelope "+id+" is already in the inbox"))
			return
		}
		h.HandleError(c, apperrors.ErrInternal.WithCause(err))
		return
	}

	h.log.InfowCtx(c.Request.Context(), "Dead letter replayed", "id", id)
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "replayed"})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return constants.DefaultLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, apperrors.ErrValidation.WithMessage("limit must be a positive integer")
	}
	if limit > constants.MaxLimit {
		limit = constants.MaxLimit
	}
	return limit, nil
}

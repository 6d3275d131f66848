package handler

import (
	"context"
	"net/http"
	"strconv"

	"nft-marketplace-api/internal/events"
	"nft-marketplace-api/internal/model"
	"nft-marketplace-api/pkg/apierror"
	"nft-marketplace-api/pkg/response"

	"github.com/sirupsen/logrus"
)

const (
	defaultEventPage = 100
	maxEventPage     = 1000
)

// EventLog is the read side of the committed event log.
type EventLog interface {
	ListEvents(ctx context.Context, after uint64, limit int) ([]model.Event, error)
}

// EventsHandler serves the event log and the live event stream.
type EventsHandler struct {
	log    EventLog
	stream http.Handler
	logger logrus.FieldLogger
}

// NewEventsHandler creates an events handler. stream may be nil when live
// streaming is disabled.
func NewEventsHandler(log EventLog, stream http.Handler, logger logrus.FieldLogger) *EventsHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &EventsHandler{log: log, stream: stream, logger: logger.WithField("component", "http")}
}

// List handles GET /api/v1/events?after=&limit=
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var after uint64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			response.Error(w, apierror.ValidationError("after", "after must be an event sequence number"))
			return
		}
		after = n
	}

	limit := defaultEventPage
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			response.Error(w, apierror.ValidationError("limit", "limit must be a positive integer"))
			return
		}
		limit = min(n, maxEventPage)
	}

	page, err := h.log.ListEvents(r.Context(), after, limit)
	if err != nil {
		h.logger.WithError(err).Error("List events failed")
		response.Error(w, apierror.InternalError(""))
		return
	}

	next := after
	if len(page) > 0 {
		next = page[len(page)-1].Seq
	}
	response.JSONWithMeta(w, http.StatusOK, events.NewMessages(page), response.Meta{
		After: after,
		Next:  next,
		Limit: limit,
		Count: len(page),
	})
}

// Stream handles GET /api/v1/events/stream (websocket).
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	if h.stream == nil {
		response.Error(w, apierror.ServiceUnavailable("event streaming disabled"))
		return
	}
	h.stream.ServeHTTP(w, r)
}

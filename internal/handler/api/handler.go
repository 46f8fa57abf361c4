package api

import (
	"errors"
	"net/http"
	"time"

	"LedgerFlow/internal/domain"
	"LedgerFlow/internal/domain/models"
	drepo "LedgerFlow/internal/domain/repository"
	"LedgerFlow/internal/fanout"
	"LedgerFlow/internal/ingest"
	"LedgerFlow/internal/normalize"
	"LedgerFlow/internal/query"
	xhttp "LedgerFlow/pkg/http"
	xlogger "LedgerFlow/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// Handler exposes the ingestion and query surface over HTTP.
type Handler struct {
	normalizer *normalize.Normalizer
	buffer     *ingest.Buffer
	querySvc   *query.Service
	hub        *fanout.Hub
	store      drepo.Store
	logger     *xlogger.Logger
	upgrader   websocket.Upgrader
}

// NewHandler creates the API handler.
func NewHandler(
	normalizer *normalize.Normalizer,
	buffer *ingest.Buffer,
	querySvc *query.Service,
	hub *fanout.Hub,
	store drepo.Store,
	logger *xlogger.Logger,
) *Handler {
	return &Handler{
		normalizer: normalizer,
		buffer:     buffer,
		querySvc:   querySvc,
		hub:        hub,
		store:      store,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.POST("/records", h.SubmitRecord)
	g.POST("/flush", h.Flush)
	g.GET("/aggregate", h.Aggregate)
	g.GET("/partitions", h.Partitions)
	g.GET("/stream", h.Stream)

	e.GET("/healthz", h.Health)
}

// SubmitRecord normalizes one raw record and enqueues it for ingestion.
func (h *Handler) SubmitRecord(c echo.Context) error {
	var raw models.RawRecord
	if err := c.Bind(&raw); err != nil {
		return xhttp.BadRequestResponse(c, xhttp.BadRequestError("invalid request body"))
	}

	ctx := c.Request().Context()
	txn, err := h.normalizer.Normalize(ctx, raw)
	if err != nil {
		if domain.IsMalformed(err) {
			return xhttp.BadRequestResponse(c, xhttp.BadRequestError(err.Error()))
		}
		return xhttp.AppErrorResponse(c, err)
	}

	if err := h.buffer.Submit(ctx, txn); err != nil {
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("ingestion unavailable").WithError(err))
	}

	return c.JSON(http.StatusAccepted, xhttp.DataResponse{
		Success: true,
		Data:    map[string]string{"id": txn.ID},
	})
}

// Flush forces the pending ingestion batch to commit.
func (h *Handler) Flush(c echo.Context) error {
	n, err := h.buffer.Flush(c.Request().Context())
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("flush failed").WithError(err))
	}
	return xhttp.SuccessResponse(c, map[string]int{"committed": n})
}

// AggregateRequest is the query-string shape for GET /api/aggregate.
type AggregateRequest struct {
	CompanyCode string `query:"company_code" validate:"required,alphanum,min=2,max=12"`
	From        string `query:"from" validate:"required"`
	To          string `query:"to" validate:"required"`
}

// Aggregate returns the aggregate for a company over a period.
func (h *Handler) Aggregate(c echo.Context) error {
	var req AggregateRequest
	if verr := xhttp.ReadAndValidateRequest(c, &req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	period, err := parsePeriod(req.From, req.To)
	if err != nil {
		return xhttp.BadRequestResponse(c, xhttp.BadRequestError(err.Error()))
	}

	agg, err := h.querySvc.Aggregate(c.Request().Context(), req.CompanyCode, period)
	if err != nil {
		if errors.Is(err, domain.ErrQueryUnavailable) {
			return xhttp.AppErrorResponse(c, xhttp.UnavailableError("query unavailable").WithError(err))
		}
		return xhttp.AppErrorResponse(c, err)
	}

	return xhttp.SuccessResponse(c, agg)
}

// Partitions lists the store's partition ranges and record counts.
func (h *Handler) Partitions(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.store.Ranges())
}

// Health reports store connectivity.
func (h *Handler) Health(c echo.Context) error {
	if err := h.store.Health(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// StreamRequest is the query-string shape for GET /api/stream.
type StreamRequest struct {
	CompanyCode string `query:"company_code" validate:"required,alphanum,min=2,max=12"`
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// Stream upgrades to a websocket and forwards the subscription feed: one
// snapshot, then deltas in commit order. The socket closes when the
// subscriber falls behind and is dropped.
func (h *Handler) Stream(c echo.Context) error {
	var req StreamRequest
	if verr := xhttp.ReadAndValidateRequest(c, &req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	sub, err := h.hub.Subscribe(c.Request().Context(), req.CompanyCode)
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("subscribe failed").WithError(err))
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.hub.Unsubscribe(sub)
		return err
	}

	go h.writePump(conn, sub)
	go h.readPump(conn, sub)
	return nil
}

func (h *Handler) writePump(conn *websocket.Conn, sub *fanout.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				code := websocket.CloseNormalClosure
				text := ""
				if errors.Is(sub.Err(), domain.ErrSubscriberOverflow) {
					code = websocket.ClosePolicyViolation
					text = "subscriber overflow"
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, text))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				h.hub.Unsubscribe(sub)
				h.logger.Debug("stream write failed",
					xlogger.String("company", sub.CompanyCode()),
					xlogger.Error(err),
				)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.hub.Unsubscribe(sub)
				return
			}
		}
	}
}

func (h *Handler) readPump(conn *websocket.Conn, sub *fanout.Subscription) {
	defer h.hub.Unsubscribe(sub)
	conn.SetReadLimit(512)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func parsePeriod(from, to string) (models.Period, error) {
	f, err := parseBound(from)
	if err != nil {
		return models.Period{}, errors.New("from: invalid timestamp")
	}
	t, err := parseBound(to)
	if err != nil {
		return models.Period{}, errors.New("to: invalid timestamp")
	}
	if !f.Before(t) {
		return models.Period{}, errors.New("from must precede to")
	}
	return models.Period{From: f.UTC(), To: t.UTC()}, nil
}

func parseBound(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, errors.New("invalid timestamp")
}

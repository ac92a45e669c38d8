package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kartikbazzad/docquery/internal/emulator"
	"github.com/kartikbazzad/docquery/internal/errors"
	"github.com/kartikbazzad/docquery/internal/metrics"
	"github.com/kartikbazzad/docquery/internal/query"
)

// QueryRequest is the body of a query call.
type QueryRequest struct {
	Filter       string `json:"filter"`
	OrderBy      string `json:"order_by"`
	Desc         bool   `json:"desc"`
	Limit        int    `json:"limit"`
	MaxItems     int    `json:"max_items"`
	Continuation string `json:"continuation"`
	// Checkpoint names a saved position; it is read when Continuation is
	// empty and updated after the page.
	Checkpoint string `json:"checkpoint"`
}

// Spec converts the request to a query spec.
func (r QueryRequest) Spec() query.Spec {
	spec := query.Spec{Filter: r.Filter, Limit: r.Limit}
	if r.OrderBy != "" {
		spec.OrderBy = &query.OrderSpec{Field: r.OrderBy, Asc: !r.Desc}
	}
	return spec
}

// QueryResponse is one page of results.
type QueryResponse struct {
	Documents    []json.RawMessage `json:"documents"`
	Count        int               `json:"count"`
	Continuation string            `json:"continuation,omitempty"`
	Charge       float64           `json:"charge"`
}

// QueryHandler serves query and topology endpoints.
type QueryHandler struct {
	engine *Engine
}

// NewQueryHandler creates a QueryHandler.
func NewQueryHandler(engine *Engine) *QueryHandler {
	return &QueryHandler{engine: engine}
}

// Query runs one page of a cross-partition query.
func (h *QueryHandler) Query(c *gin.Context) {
	coll := c.Param("collection")

	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.MaxItems < 0 || req.Limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_items and limit must be >= 0"})
		return
	}
	maxItems := req.MaxItems
	if maxItems == 0 {
		maxItems = h.engine.cfg.Query.InitialPageSize
	}

	ctx := c.Request.Context()
	if t := h.engine.cfg.Query.Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	cont := req.Continuation
	if cont == "" {
		saved, err := h.engine.Resume(ctx, req.Checkpoint)
		if err != nil {
			writeError(c, err)
			return
		}
		cont = saved
	}

	stream, err := h.engine.Open(ctx, coll, req.Spec(), cont)
	if err != nil {
		writeError(c, err)
		return
	}
	defer stream.Close()

	page, err := stream.NextPage(ctx, maxItems)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.engine.Checkpoint(ctx, req.Checkpoint, coll, page.Continuation, len(page.Rows), stream.Charge()); err != nil {
		writeError(c, err)
		return
	}

	resp := QueryResponse{
		Documents:    make([]json.RawMessage, 0, len(page.Rows)),
		Count:        len(page.Rows),
		Continuation: page.Continuation,
		Charge:       page.Charge,
	}
	for _, r := range page.Rows {
		resp.Documents = append(resp.Documents, r.Payload)
	}
	c.JSON(http.StatusOK, resp)
}

// Ranges lists the current key ranges of a collection.
func (h *QueryHandler) Ranges(c *gin.Context) {
	ranges, err := h.engine.Topology().Ranges(c.Request.Context(), c.Param("collection"), c.Query("refresh") == "true")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ranges)
}

// Split splits one range of the emulated store.
func (h *QueryHandler) Split(c *gin.Context) {
	coll := c.Param("collection")
	children, err := h.engine.Store().Split(coll, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, children)
}

// Upsert stores documents in a collection.
func (h *QueryHandler) Upsert(c *gin.Context) {
	var docs []emulator.Document
	if err := c.ShouldBindJSON(&docs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.engine.Store().Upsert(c.Param("collection"), docs...); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"upserted": len(docs)})
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusOf(err), gin.H{"error": err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, emulator.ErrCollectionNotFound),
		errors.Is(err, emulator.ErrRangeNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrInvalidContinuation),
		errors.Is(err, query.ErrInvalidFilter),
		errors.Is(err, errors.ErrInvalidConfig),
		errors.Is(err, emulator.ErrRangeTooSmall):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrStructuralContinuation):
		return http.StatusConflict
	case errors.IsCanceled(err):
		return http.StatusRequestTimeout
	}
	if be, ok := errors.AsBackendError(err); ok && be.StatusCode >= 400 && be.StatusCode < 600 {
		return be.StatusCode
	}
	return http.StatusInternalServerError
}

// NewRouter builds the HTTP router.
func NewRouter(h *QueryHandler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	colls := router.Group("/collections/:collection")
	colls.POST("/query", h.Query)
	colls.POST("/documents", h.Upsert)
	colls.GET("/ranges", h.Ranges)
	colls.POST("/ranges/:id/split", h.Split)
	return router
}

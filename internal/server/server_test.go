package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartikbazzad/docquery/internal/config"
	"github.com/kartikbazzad/docquery/internal/emulator"
	"github.com/kartikbazzad/docquery/internal/logger"
	"github.com/kartikbazzad/docquery/internal/routing"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T, checkpoints bool) (*gin.Engine, *Engine) {
	t.Helper()
	store, err := emulator.New(logger.Discard())
	require.NoError(t, err)
	require.NoError(t, store.CreateCollection("books", 3))
	for i := 0; i < 25; i++ {
		require.NoError(t, store.Upsert("books", emulator.Document{
			ID:           fmt.Sprintf("b%02d", i),
			PartitionKey: fmt.Sprintf("author-%d", i%7),
			Body:         map[string]any{"year": 2000 + i, "genre": []string{"fiction", "poetry"}[i%2]},
		}))
	}

	cfg := config.DefaultConfig()
	cfg.Query.MaxConcurrency = 2
	cfg.Query.InitialPageSize = 4
	if checkpoints {
		cfg.Checkpoint.Path = filepath.Join(t.TempDir(), "cp.db")
	}
	engine, err := NewEngine(cfg, store, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return NewRouter(NewQueryHandler(engine)), engine
}

func post(t *testing.T, r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) QueryResponse {
	t.Helper()
	var resp QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestQueryPagesWithContinuation(t *testing.T) {
	r, _ := newTestRouter(t, false)

	var (
		years []float64
		cont  string
		calls int
	)
	for {
		w := post(t, r, "/collections/books/query", QueryRequest{OrderBy: "year", MaxItems: 6, Continuation: cont})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		resp := decode(t, w)
		assert.Positive(t, resp.Charge)
		for _, d := range resp.Documents {
			var doc map[string]any
			require.NoError(t, json.Unmarshal(d, &doc))
			years = append(years, doc["year"].(float64))
		}
		calls++
		require.Less(t, calls, 20)
		if resp.Continuation == "" {
			break
		}
		cont = resp.Continuation
	}
	require.Len(t, years, 25)
	for i := range years {
		assert.Equal(t, float64(2000+i), years[i])
	}
}

func TestQueryFilterAndLimit(t *testing.T) {
	r, _ := newTestRouter(t, false)
	w := post(t, r, "/collections/books/query", QueryRequest{
		Filter: `doc.genre == "poetry"`, OrderBy: "year", Desc: true, Limit: 3, MaxItems: 10,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode(t, w)
	assert.Equal(t, 3, resp.Count)
	assert.Empty(t, resp.Continuation)

	var first map[string]any
	require.NoError(t, json.Unmarshal(resp.Documents[0], &first))
	assert.Equal(t, 2023.0, first["year"])
}

func TestQueryErrors(t *testing.T) {
	r, _ := newTestRouter(t, false)

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"unknown collection", "/collections/films/query", QueryRequest{}, http.StatusNotFound},
		{"bad continuation", "/collections/books/query", QueryRequest{Continuation: "@@"}, http.StatusBadRequest},
		{"bad filter", "/collections/books/query", QueryRequest{Filter: "doc.year >"}, http.StatusBadRequest},
		{"negative max items", "/collections/books/query", QueryRequest{MaxItems: -1}, http.StatusBadRequest},
		{"bad body", "/collections/books/query", "not an object", http.StatusBadRequest},
		{"checkpoints disabled", "/collections/books/query", QueryRequest{Checkpoint: "x"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(t, r, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestCheckpointedQuery(t *testing.T) {
	r, engine := newTestRouter(t, true)

	total := 0
	for i := 0; i < 20; i++ {
		w := post(t, r, "/collections/books/query", QueryRequest{Checkpoint: "weekly", MaxItems: 10})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		resp := decode(t, w)
		total += resp.Count
		if resp.Continuation == "" {
			break
		}
		cp, err := engine.Checkpoints().Load(context.Background(), "weekly")
		require.NoError(t, err)
		assert.Equal(t, resp.Continuation, cp.Continuation)
		assert.Equal(t, int64(total), cp.Rows)
	}
	assert.Equal(t, 25, total)

	_, err := engine.Checkpoints().Load(context.Background(), "weekly")
	assert.Error(t, err)
}

func TestSplitAndRanges(t *testing.T) {
	r, _ := newTestRouter(t, false)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/collections/books/ranges", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var ranges []routing.KeyRange
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ranges))
	require.Len(t, ranges, 3)

	w = post(t, r, "/collections/books/ranges/"+ranges[1].ID+"/split", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/collections/books/ranges?refresh=true", nil))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ranges))
	assert.Len(t, ranges, 4)

	w = post(t, r, "/collections/books/ranges/nope/split", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// queries keep working across the split
	w = post(t, r, "/collections/books/query", QueryRequest{MaxItems: 100})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 25, decode(t, w).Count)
}

func TestUpsertAndMetrics(t *testing.T) {
	r, engine := newTestRouter(t, false)

	w := post(t, r, "/collections/books/documents", []emulator.Document{
		{ID: "new", PartitionKey: "author-x", Body: map[string]any{"year": 1999}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 26, engine.Store().Count("books"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "docquery_")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"goodsdeck/internal/config"
	"goodsdeck/internal/model"
	"goodsdeck/internal/pkg/dedup"
	"goodsdeck/internal/pkg/queue"
	"goodsdeck/internal/scraper"
	"goodsdeck/internal/source"
	"goodsdeck/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

type mockScraper struct {
	mu       sync.Mutex
	keywords []scraper.KeywordRef
	runs     int
}

func (m *mockScraper) ScrapeKeyword(_ context.Context, kw scraper.KeywordRef, _ int) (scraper.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keywords = append(m.keywords, kw)
	return scraper.Result{}, nil
}

func (m *mockScraper) RunClaimed(_ context.Context, coord *scraper.Coordinator, _ int) (scraper.AllResult, error) {
	m.mu.Lock()
	m.runs++
	m.mu.Unlock()
	res := scraper.AllResult{Keywords: 1}
	coord.Finish("done", &res)
	return res, nil
}

// heldJobs 只收集任务，由测试决定何时执行。
type heldJobs struct {
	jobs   []queue.Job
	reject bool
}

func (h *heldJobs) Enqueue(job queue.Job) bool {
	if h.reject {
		return false
	}
	h.jobs = append(h.jobs, job)
	return true
}

func (h *heldJobs) runAll(t *testing.T) {
	t.Helper()
	for _, j := range h.jobs {
		if err := j.Run(context.Background()); err != nil {
			t.Fatalf("job %s: %v", j.Name, err)
		}
	}
	h.jobs = nil
}

type mockImporter struct {
	results []scraper.ImportResult
	got     []string
}

func (m *mockImporter) ImportURLs(_ context.Context, urls []string) []scraper.ImportResult {
	m.got = urls
	return m.results
}

type mockEnricher struct {
	ids []uint
}

func (m *mockEnricher) Enqueue(ids ...uint) int {
	m.ids = append(m.ids, ids...)
	return len(ids)
}

type testEnv struct {
	srv      *Server
	store    *store.Store
	scraper  *mockScraper
	jobs     *heldJobs
	importer *mockImporter
	enricher *mockEnricher
	redis    *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormLogger.Default.LogMode(gormLogger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	st := store.New(db, logger)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	env := &testEnv{
		store:    st,
		scraper:  &mockScraper{},
		jobs:     &heldJobs{},
		importer: &mockImporter{},
		enricher: &mockEnricher{},
		redis:    mr,
	}
	env.srv = NewServer(config.Default(), logger, Deps{
		Store:     st,
		Scraper:   env.scraper,
		Importer:  env.importer,
		Enricher:  env.enricher,
		Debouncer: dedup.NewDebouncer(rdb, time.Minute),
		Jobs:      env.jobs,
		Pingers:   []func(ctx context.Context) error{func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, http.MethodGet, "/healthz", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	env.srv.pingers = append(env.srv.pingers, func(context.Context) error { return errors.New("redis down") })
	if w := env.do(t, http.MethodGet, "/healthz", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with redis down, got %d", w.Code)
	}
}

func TestScrapeAll_ConflictWhileRunning(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, http.MethodPost, "/api/scrape", nil); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/scrape", nil); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 while running, got %d", w.Code)
	}

	status := decode[scraper.Status](t, env.do(t, http.MethodGet, "/api/scrape/status", nil))
	if !status.Running || status.Message != "queued" {
		t.Fatalf("unexpected status: %+v", status)
	}

	env.jobs.runAll(t)
	status = decode[scraper.Status](t, env.do(t, http.MethodGet, "/api/scrape/status", nil))
	if status.Running || status.LastResult == nil {
		t.Fatalf("run should be finished: %+v", status)
	}
	if w := env.do(t, http.MethodPost, "/api/scrape", nil); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 after finish, got %d", w.Code)
	}
}

func TestScrapeAll_QueueFullReleasesCoordinator(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.reject = true

	if w := env.do(t, http.MethodPost, "/api/scrape", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if env.srv.coord.Status().Running {
		t.Fatalf("coordinator must be released when the job is rejected")
	}
}

func TestScrapeKeyword_Debounced(t *testing.T) {
	env := newTestEnv(t)
	kw, err := env.store.AddKeyword(context.Background(), "navy coat", "all", nil)
	if err != nil {
		t.Fatalf("add keyword: %v", err)
	}
	path := "/api/keywords/" + itoa(kw.ID) + "/scrape"

	if w := env.do(t, http.MethodPost, path, nil); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	w := env.do(t, http.MethodPost, path, nil)
	if w.Code != http.StatusTooManyRequests || !bytes.Contains(w.Body.Bytes(), []byte("skipped_duplicate")) {
		t.Fatalf("expected 429 skipped_duplicate, got %d %s", w.Code, w.Body.String())
	}
	if ra := w.Header().Get("Retry-After"); ra == "" || ra == "0" {
		t.Fatalf("expected Retry-After header, got %q", ra)
	}

	env.jobs.runAll(t)
	if len(env.scraper.keywords) != 1 || len(env.scraper.keywords[0].Sources) != 3 {
		t.Fatalf("unexpected scrape calls: %+v", env.scraper.keywords)
	}

	env.redis.FastForward(2 * time.Minute)
	if w := env.do(t, http.MethodPost, path, nil); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 after the window, got %d", w.Code)
	}

	if w := env.do(t, http.MethodPost, "/api/keywords/999/scrape", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/keywords/abc/scrape", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestKeywordsCRUD(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/keywords", map[string]any{"keyword": "wool sweater", "source": "mercari,fril"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	kw := decode[model.Keyword](t, w)
	if kw.Source != "mercari,rakuten" {
		t.Fatalf("unexpected source set %q", kw.Source)
	}

	if w := env.do(t, http.MethodPost, "/api/keywords", map[string]any{"source": "all"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without keyword, got %d", w.Code)
	}

	list := decode[struct {
		Keywords []model.Keyword `json:"keywords"`
	}](t, env.do(t, http.MethodGet, "/api/keywords", nil))
	if len(list.Keywords) != 1 {
		t.Fatalf("unexpected list: %+v", list)
	}

	wl := "/api/keywords/" + itoa(kw.ID) + "/whitelist"
	if w := env.do(t, http.MethodPut, wl, map[string]any{"category_ids": []string{"mercari:1", "mercari:2"}}); w.Code != http.StatusOK {
		t.Fatalf("set whitelist: %d", w.Code)
	}
	got := decode[struct {
		CategoryIDs []string `json:"category_ids"`
	}](t, env.do(t, http.MethodGet, wl, nil))
	if len(got.CategoryIDs) != 2 {
		t.Fatalf("unexpected whitelist: %+v", got)
	}

	if w := env.do(t, http.MethodDelete, "/api/keywords/"+itoa(kw.ID), nil); w.Code != http.StatusOK {
		t.Fatalf("delete: %d", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/api/keywords/"+itoa(kw.ID), nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", w.Code)
	}
}

func TestImport(t *testing.T) {
	env := newTestEnv(t)
	item, err := env.store.ImportItem(context.Background(), store.ImportInput{Source: model.SourceMercari, SourceID: "m12345678901", Title: "coat"})
	if err != nil {
		t.Fatalf("seed item: %v", err)
	}

	env.importer.results = []scraper.ImportResult{
		{URL: "https://jp.mercari.com/item/m12345678901", Success: true, ItemID: item.ID},
		{URL: "https://example.com/x", Error: "unrecognized url"},
	}
	w := env.do(t, http.MethodPost, "/api/items/import", map[string]any{
		"url":  "https://jp.mercari.com/item/m12345678901",
		"urls": []string{"https://example.com/x"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(env.importer.got) != 2 || env.importer.got[0] != "https://jp.mercari.com/item/m12345678901" {
		t.Fatalf("unexpected urls passed: %v", env.importer.got)
	}
	if len(env.enricher.ids) != 1 || env.enricher.ids[0] != item.ID {
		t.Fatalf("incomplete import should be queued for enrichment: %v", env.enricher.ids)
	}

	env.importer.results = []scraper.ImportResult{{URL: "https://example.com/x", Error: "unrecognized url"}}
	if w := env.do(t, http.MethodPost, "/api/items/import", map[string]any{"url": "https://example.com/x"}); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/items/import", map[string]any{}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestEnrichItem(t *testing.T) {
	env := newTestEnv(t)
	item, err := env.store.ImportItem(context.Background(), store.ImportInput{Source: model.SourceYahoo, SourceID: "x1"})
	if err != nil {
		t.Fatalf("seed item: %v", err)
	}

	if w := env.do(t, http.MethodPost, "/api/items/"+itoa(item.ID)+"/details", nil); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if len(env.enricher.ids) != 1 {
		t.Fatalf("item not enqueued")
	}
	if w := env.do(t, http.MethodPost, "/api/items/999/details", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	env.srv.enricher = nil
	if w := env.do(t, http.MethodPost, "/api/items/"+itoa(item.ID)+"/details", nil); w.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 without an enricher, got %d", w.Code)
	}
}

func TestBlocklist(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.UpsertCategoryPath(ctx, model.SourceMercari, []source.CategoryNode{{ID: "mercari:1", Name: "Women"}, {ID: "mercari:2", Name: "Coat"}}); err != nil {
		t.Fatalf("seed categories: %v", err)
	}
	cat := "mercari:2"
	if _, err := env.store.SaveScrapedItems(ctx, []source.Candidate{{Source: model.SourceMercari, SourceID: "m1", CategoryID: &cat}}, nil); err != nil {
		t.Fatalf("seed item: %v", err)
	}

	w := env.do(t, http.MethodPost, "/api/blocklist", map[string]any{"category_id": "mercari:1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	created := decode[struct {
		Entry  model.CategoryBlock `json:"entry"`
		Hidden int64               `json:"hidden"`
	}](t, w)
	if created.Hidden != 1 {
		t.Fatalf("expected 1 hidden item, got %d", created.Hidden)
	}

	list := decode[struct {
		Entries []store.BlockEntry `json:"entries"`
	}](t, env.do(t, http.MethodGet, "/api/blocklist", nil))
	if len(list.Entries) != 1 || list.Entries[0].CategoryName == nil || *list.Entries[0].CategoryName != "Women" {
		t.Fatalf("unexpected entries: %+v", list.Entries)
	}

	if w := env.do(t, http.MethodDelete, "/api/blocklist/"+itoa(created.Entry.ID), nil); w.Code != http.StatusOK {
		t.Fatalf("delete: %d", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/api/blocklist/"+itoa(created.Entry.ID), nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/blocklist", map[string]any{"keyword_id": 1}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

type staticResolver struct{ err error }

func (r staticResolver) Ancestors(_ context.Context, id string) ([]source.CategoryNode, error) {
	return []source.CategoryNode{{ID: "mercari:1", Name: "Women"}, {ID: id, Name: "Coat"}}, r.err
}

func TestCategoryAncestors(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, http.MethodGet, "/api/categories/mercari:2/ancestors", nil); w.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 without resolver, got %d", w.Code)
	}

	env.srv.resolver = staticResolver{}
	got := decode[struct {
		Path []source.CategoryNode `json:"path"`
	}](t, env.do(t, http.MethodGet, "/api/categories/mercari:2/ancestors", nil))
	if len(got.Path) != 2 || got.Path[1].ID != "mercari:2" {
		t.Fatalf("unexpected path: %+v", got.Path)
	}

	env.srv.resolver = staticResolver{err: errors.New("db down")}
	if w := env.do(t, http.MethodGet, "/api/categories/mercari:2/ancestors", nil); w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestMockAndStats(t *testing.T) {
	env := newTestEnv(t)
	kw, err := env.store.AddKeyword(context.Background(), "mock", "", nil)
	if err != nil {
		t.Fatalf("add keyword: %v", err)
	}

	got := decode[struct {
		Generated int `json:"generated"`
		Saved     int `json:"saved"`
	}](t, env.do(t, http.MethodPost, "/api/mock", map[string]any{"keyword_id": kw.ID, "count": 15}))
	if got.Generated != 15 || got.Saved != 15 {
		t.Fatalf("unexpected mock result: %+v", got)
	}
	if w := env.do(t, http.MethodPost, "/api/mock", map[string]any{"keyword_id": 999}); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	stats := decode[store.Stats](t, env.do(t, http.MethodGet, "/api/stats", nil))
	if stats.TotalItems != 15 || stats.UnseenItems != 15 || stats.TotalKeywords != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func itoa(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}

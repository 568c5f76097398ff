package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"goodsdeck/internal/model"
	"goodsdeck/internal/source"
	"goodsdeck/internal/store"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// memStore 是内存版的 Store，按 (source, source_id) 去重。
type memStore struct {
	mu       sync.Mutex
	items    map[model.SourceKind]map[string]struct{}
	keywords []model.Keyword
	scraped  map[uint]int
	saveErr  map[uint]error
	saveCtx  []error
}

func newMemStore(keywords ...model.Keyword) *memStore {
	return &memStore{
		items:    map[model.SourceKind]map[string]struct{}{},
		keywords: keywords,
		scraped:  map[uint]int{},
		saveErr:  map[uint]error{},
	}
}

func (m *memStore) GetExistingSourceIDs(_ context.Context, kind model.SourceKind, _ *uint) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]struct{}, len(m.items[kind]))
	for id := range m.items[kind] {
		out[id] = struct{}{}
	}
	return out, nil
}

func (m *memStore) SaveScrapedItems(ctx context.Context, candidates []source.Candidate, keywordID *uint) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCtx = append(m.saveCtx, ctx.Err())
	if keywordID != nil {
		if err := m.saveErr[*keywordID]; err != nil {
			return 0, err
		}
	}
	saved := 0
	for _, c := range candidates {
		if m.items[c.Source] == nil {
			m.items[c.Source] = map[string]struct{}{}
		}
		if _, ok := m.items[c.Source][c.SourceID]; ok {
			continue
		}
		m.items[c.Source][c.SourceID] = struct{}{}
		saved++
	}
	return saved, nil
}

func (m *memStore) CountItemsForKeyword(context.Context, uint) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ids := range m.items {
		n += len(ids)
	}
	return n, nil
}

func (m *memStore) UpdateKeywordScraped(_ context.Context, keywordID uint, itemCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scraped[keywordID] = itemCount
	return nil
}

func (m *memStore) ListKeywords(context.Context) ([]model.Keyword, error) {
	return m.keywords, nil
}

func TestService_CrossSourceIndependence(t *testing.T) {
	st := newMemStore()
	mercari := &fakeAdapter{kind: model.SourceMercari, err: fmt.Errorf("%w: key unavailable", source.ErrSigner)}
	yahoo := pagedAdapter(model.SourceYahoo, []string{"y1", "y2", "y3"})
	svc := NewService(st, source.NewRegistry(mercari, yahoo), Options{}, testLogger())

	id := uint(1)
	res, err := svc.ScrapeKeyword(t.Context(), KeywordRef{ID: &id, Text: "coat", Sources: []model.SourceKind{model.SourceMercari, model.SourceYahoo}}, 0)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if res.Scraped != 3 || res.Saved != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Stops[model.SourceMercari] != StopError || res.Stops[model.SourceYahoo] != StopEnd {
		t.Fatalf("unexpected stops: %v", res.Stops)
	}
	if st.scraped[id] != 3 {
		t.Fatalf("keyword item count not updated: %v", st.scraped)
	}
}

func TestService_SkipsUnregisteredSources(t *testing.T) {
	st := newMemStore()
	svc := NewService(st, source.NewRegistry(pagedAdapter(model.SourceYahoo, []string{"y1"})), Options{}, testLogger())

	res, err := svc.ScrapeKeyword(t.Context(), KeywordRef{Text: "coat", Sources: []model.SourceKind{model.SourceRakuten, model.SourceYahoo}}, 0)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if res.Saved != 1 || len(res.Stops) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(st.scraped) != 0 {
		t.Fatalf("ad-hoc keyword must not update keyword bookkeeping")
	}
}

func TestService_RecoversAdapterPanic(t *testing.T) {
	st := newMemStore()
	panicky := &fakeAdapter{kind: model.SourceMercari, gen: func(string) source.Page { panic("bad page") }}
	yahoo := pagedAdapter(model.SourceYahoo, []string{"y1"})
	svc := NewService(st, source.NewRegistry(panicky, yahoo), Options{}, testLogger())

	res, err := svc.ScrapeKeyword(t.Context(), KeywordRef{Text: "coat", Sources: []model.SourceKind{model.SourceMercari, model.SourceYahoo}}, 0)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if res.Stops[model.SourceMercari] != StopError || res.Saved != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

// 取消时：已结束的来源照常入库，仍在翻页的来源被丢弃。
func TestService_CancellationPersistsCompletedSources(t *testing.T) {
	st := newMemStore()
	yahoo := pagedAdapter(model.SourceYahoo, []string{"y1", "y2"})
	yahoo.fetched = make(chan struct{}, 1)
	slow := &fakeAdapter{kind: model.SourceMercari, block: true}
	svc := NewService(st, source.NewRegistry(slow, yahoo), Options{}, testLogger())

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		<-yahoo.fetched
		cancel()
	}()

	res, err := svc.ScrapeKeyword(ctx, KeywordRef{Text: "coat", Sources: []model.SourceKind{model.SourceMercari, model.SourceYahoo}}, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Saved != 2 || res.Scraped != 2 {
		t.Fatalf("completed source should be persisted: %+v", res)
	}
	if res.Stops[model.SourceMercari] != StopCancelled {
		t.Fatalf("unexpected stops: %v", res.Stops)
	}
	if len(st.saveCtx) != 1 || st.saveCtx[0] != nil {
		t.Fatalf("persistence must not see the cancellation: %v", st.saveCtx)
	}
	if _, ok := st.items[model.SourceMercari]; ok {
		t.Fatalf("cancelled source must not be persisted")
	}
}

func TestService_ScrapeAllKeywordsContinuesOnFailure(t *testing.T) {
	st := newMemStore(
		model.Keyword{ID: 1, Keyword: "coat", Source: "yahoo"},
		model.Keyword{ID: 2, Keyword: "boots", Source: "mercari"},
	)
	st.saveErr[1] = errors.New("disk full")
	svc := NewService(st, source.NewRegistry(
		pagedAdapter(model.SourceYahoo, []string{"y1"}),
		pagedAdapter(model.SourceMercari, []string{"m1", "m2"}),
	), Options{}, testLogger())

	res, err := svc.ScrapeAllKeywords(t.Context(), 0)
	if err != nil {
		t.Fatalf("scrape all: %v", err)
	}
	if res.Keywords != 2 || res.TotalSaved != 2 || res.TotalScraped != 3 {
		t.Fatalf("unexpected aggregate: %+v", res)
	}
	if _, ok := st.scraped[2]; !ok {
		t.Fatalf("second keyword should still be scraped")
	}
}

func TestService_RunAllUsesCoordinator(t *testing.T) {
	st := newMemStore(model.Keyword{ID: 1, Keyword: "coat", Source: "yahoo"})
	svc := NewService(st, source.NewRegistry(pagedAdapter(model.SourceYahoo, []string{"y1", "y2"})), Options{}, testLogger())
	coord := NewCoordinator()

	if !coord.TryBegin("manual") {
		t.Fatalf("begin failed")
	}
	if _, err := svc.RunAll(t.Context(), coord, 0); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	coord.Finish("idle", nil)

	res, err := svc.RunAll(t.Context(), coord, 0)
	if err != nil {
		t.Fatalf("run all: %v", err)
	}
	status := coord.Status()
	if status.Running || status.LastResult == nil || *status.LastResult != res {
		t.Fatalf("unexpected status: %+v", status)
	}
	if !strings.HasPrefix(status.Message, "done: 2 scraped, 2 new") {
		t.Fatalf("unexpected message %q", status.Message)
	}
}

// ============================================================================
// 端到端：真实存储
// ============================================================================

func newSQLiteStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormLogger.Default.LogMode(gormLogger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	st := store.New(db, testLogger())
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func TestService_EndToEndNavyCoat(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := t.Context()

	kw, err := st.AddKeyword(ctx, "navy coat", "mercari,yahoo", nil)
	if err != nil {
		t.Fatalf("add keyword: %v", err)
	}

	var ids []string
	for i := 1; i <= 12; i++ {
		ids = append(ids, fmt.Sprintf("m%011d", i))
	}
	mercari := pagedAdapter(model.SourceMercari, ids[:10], ids[10:])
	yahoo := pagedAdapter(model.SourceYahoo, nil)
	svc := NewService(st, source.NewRegistry(mercari, yahoo), Options{}, testLogger())

	ref := KeywordRef{ID: &kw.ID, Text: kw.Keyword, Sources: kw.Sources()}
	first, err := svc.ScrapeKeyword(ctx, ref, 0)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Scraped != 12 || first.Saved != 12 {
		t.Fatalf("first run = %+v, want 12/12", first)
	}

	second, err := svc.ScrapeKeyword(ctx, ref, 0)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Scraped != 5 || second.Saved != 0 {
		t.Fatalf("second run = %+v, want 5/0", second)
	}
	if second.Stops[model.SourceMercari] != StopOverlap {
		t.Fatalf("expected overlap stop, got %v", second.Stops)
	}
	if got := mercari.calls.Load(); got != 3 {
		t.Fatalf("second run should stop on the first page, total fetches %d", got)
	}

	stored, err := st.GetKeyword(ctx, kw.ID)
	if err != nil {
		t.Fatalf("get keyword: %v", err)
	}
	if stored.ItemCount != 12 || stored.LastScrapedAt == nil {
		t.Fatalf("keyword bookkeeping = %+v", stored)
	}
}

func TestService_AllSourcesCancelledSkipsBookkeeping(t *testing.T) {
	st := newMemStore()
	mercari := &fakeAdapter{kind: model.SourceMercari, block: true}
	yahoo := &fakeAdapter{kind: model.SourceYahoo, block: true}
	svc := NewService(st, source.NewRegistry(mercari, yahoo), Options{}, testLogger())

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	id := uint(9)
	res, err := svc.ScrapeKeyword(ctx, KeywordRef{ID: &id, Text: "coat", Sources: []model.SourceKind{model.SourceMercari, model.SourceYahoo}}, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Saved != 0 || res.Stops[model.SourceMercari] != StopCancelled || res.Stops[model.SourceYahoo] != StopCancelled {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, ok := st.scraped[id]; ok {
		t.Fatalf("a run where every source was cancelled must not mark the keyword scraped")
	}
}

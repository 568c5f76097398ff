package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"goodsdeck/internal/config"
	"goodsdeck/internal/model"
	"goodsdeck/internal/pkg/dedup"
	"goodsdeck/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

func memoryStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return store.New(db, nil)
}

func assemble(t *testing.T, redisAddr string) *App {
	t.Helper()
	cfg := config.Default()
	cfg.Redis.Addr = redisAddr
	a, err := Assemble(context.Background(), cfg, memoryStore(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	t.Cleanup(func() {
		if err := a.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return a
}

func TestAssemble_WithoutRedis(t *testing.T) {
	a := assemble(t, "")

	if a.Redis != nil || a.Pingers() != nil {
		t.Fatalf("expected no redis, got client=%v pingers=%d", a.Redis, len(a.Pingers()))
	}
	for _, kind := range model.AllSources() {
		if _, ok := a.Registry[kind]; !ok {
			t.Fatalf("registry missing %s", kind)
		}
	}
	for i := 0; i < 2; i++ {
		ok, _, err := a.Debouncer.Claim(context.Background(), dedup.KeywordKey(1))
		if err != nil || !ok {
			t.Fatalf("claim %d without redis: ok=%v err=%v", i, ok, err)
		}
	}

	// 建表已完成，存储可直接使用
	if _, err := a.Store.AddKeyword(context.Background(), "denim", "all", nil); err != nil {
		t.Fatalf("add keyword: %v", err)
	}
}

func TestAssemble_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	a := assemble(t, mr.Addr())

	if a.Redis == nil {
		t.Fatalf("expected redis client")
	}
	pingers := a.Pingers()
	if len(pingers) != 1 {
		t.Fatalf("pingers = %d, want 1", len(pingers))
	}
	if err := pingers[0](context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}

	ctx := context.Background()
	if ok, _, _ := a.Debouncer.Claim(ctx, dedup.KeywordKey(4)); !ok {
		t.Fatalf("first claim rejected")
	}
	if ok, _, _ := a.Debouncer.Claim(ctx, dedup.KeywordKey(4)); ok {
		t.Fatalf("second claim inside window accepted")
	}
}

func TestAssemble_UnreachableRedisIsOptional(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	a := assemble(t, addr)
	if a.Redis != nil {
		t.Fatalf("expected redis to be dropped when ping fails")
	}
}

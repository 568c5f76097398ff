package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"goodsdeck/internal/model"
	"goodsdeck/internal/pkg/metrics"
	"goodsdeck/internal/pkg/ratelimit"

	"github.com/PuerkitoBio/goquery"
)

const maxBodyBytes = 8 << 20

// StatusError 表示非 2xx 响应。
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// Fetcher 是所有适配器共用的 HTTP 客户端封装。
//
// 它负责 UA 等公共请求头、按来源限流、请求指标，以及把非 2xx 响应转换为 *StatusError。
type Fetcher struct {
	client    *http.Client
	userAgent string
	limiters  map[model.SourceKind]ratelimit.Limiter
	logger    *slog.Logger
}

// NewFetcher 创建共享的 Fetcher。limiters 中缺失的来源不限流。
func NewFetcher(client *http.Client, userAgent string, limiters map[model.SourceKind]ratelimit.Limiter, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Fetcher{
		client:    client,
		userAgent: userAgent,
		limiters:  limiters,
		logger:    logger,
	}
}

// Do 发送请求并返回响应体。
func (f *Fetcher) Do(ctx context.Context, kind model.SourceKind, req *http.Request) ([]byte, error) {
	if lim, ok := f.limiters[kind]; ok && lim != nil {
		if err := lim.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("rate limit %s: %w", kind, err)
		}
	}

	req = req.WithContext(ctx)
	if req.Header.Get("User-Agent") == "" && f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	if req.Header.Get("Accept-Language") == "" {
		req.Header.Set("Accept-Language", "ja-JP,ja;q=0.9")
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	metrics.SourceRequestDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SourceRequestsTotal.WithLabelValues(string(kind), "error").Inc()
		metrics.SourceErrorsTotal.WithLabelValues(string(kind), classifyError(err)).Inc()
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	metrics.SourceRequestsTotal.WithLabelValues(string(kind), strconv.Itoa(resp.StatusCode)).Inc()
	f.logger.Debug("source request",
		slog.String("source", string(kind)),
		slog.String("method", req.Method),
		slog.String("url", req.URL.Redacted()),
		slog.Int("status", resp.StatusCode),
		slog.String("latency", time.Since(start).String()))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		serr := &StatusError{StatusCode: resp.StatusCode, URL: req.URL.Redacted()}
		metrics.SourceErrorsTotal.WithLabelValues(string(kind), classifyError(serr)).Inc()
		return nil, serr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// Get 发送 GET 请求。
func (f *Fetcher) Get(ctx context.Context, kind model.SourceKind, rawURL string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return f.Do(ctx, kind, req)
}

// GetDocument 获取 HTML 页面并解析为 goquery 文档。
func (f *Fetcher) GetDocument(ctx context.Context, kind model.SourceKind, rawURL string) (*goquery.Document, error) {
	body, err := f.Get(ctx, kind, rawURL, http.Header{
		"Accept": []string{"text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
	})
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// ============================================================================
// 错误分类
// ============================================================================

// classifyError 返回用于 metrics 和日志的错误类型字符串。
func classifyError(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, ErrSigner) {
		return "signer"
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, ratelimit.ErrRateLimitTimeout) {
		return "timeout"
	}

	var serr *StatusError
	if errors.As(err, &serr) {
		switch {
		case serr.StatusCode == http.StatusForbidden || serr.StatusCode == http.StatusTooManyRequests:
			return "blocked"
		case serr.StatusCode == http.StatusNotFound:
			return "not_found"
		default:
			return "http_status"
		}
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return "timeout"
	}
	if strings.Contains(msg, "parse") || strings.Contains(msg, "decode") || strings.Contains(msg, "unmarshal") {
		return "parse"
	}
	for _, kw := range []string{"connection", "no such host", "eof", "dial"} {
		if strings.Contains(msg, kw) {
			return "network"
		}
	}
	return "unknown"
}

// ClassifyError 导出错误分类，供抓取控制器记录终止原因。
func ClassifyError(err error) string {
	return classifyError(err)
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App     AppConfig     `json:"app"`
	MySQL   MySQLConfig   `json:"mysql"`
	Redis   RedisConfig   `json:"redis"`
	Scrape  ScrapeConfig  `json:"scrape"`
	Sources SourcesConfig `json:"sources"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env            string `json:"env"`              // 运行环境: local / prod
	LogLevel       string `json:"log_level"`        // 日志级别: debug / info / warn / error
	HTTPAddr       string `json:"http_addr"`        // API 服务监听地址
	WorkerPoolSize int    `json:"worker_pool_size"` // 后台抓取任务 worker 数
	QueueCapacity  int    `json:"queue_capacity"`   // 后台抓取任务队列容量
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 配置，Addr 为空时限流与触发去重退化为进程内实现。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// ScrapeConfig 抓取引擎配置。
type ScrapeConfig struct {
	OverlapThreshold  int           `json:"overlap_threshold"`     // 连续已存在商品数达到该值时停止翻页
	MaxItemsPerSource int           `json:"max_items_per_source"`  // 每个来源最多收集的新商品数
	ScheduleInterval  time.Duration `json:"schedule_interval"`     // 定时全量抓取间隔，0 表示关闭
	RequestTimeout    time.Duration `json:"request_timeout"`       // 单次 HTTP 请求超时
	DetailDelay       time.Duration `json:"detail_delay"`          // 详情补全的逐条间隔
	TriggerDebounce   time.Duration `json:"trigger_debounce"`      // 单关键词手动触发的去重窗口
	RateLimit         float64       `json:"rate_limit"`            // 每个来源的请求速率（token/s）
	RateBurst         float64       `json:"rate_burst"`            // 限流桶容量
	UserAgent         string        `json:"user_agent"`            // 请求使用的 UA
	EnrichCapacity    int           `json:"enrich_queue_capacity"` // 详情补全队列容量
}

// SourcesConfig 各来源的基础地址，测试时可指向本地服务。
type SourcesConfig struct {
	MercariAPIBase string `json:"mercari_api_base"`
	MercariWebBase string `json:"mercari_web_base"`
	YahooBase      string `json:"yahoo_base"`
	YahooItemBase  string `json:"yahoo_item_base"`
	FrilSearchBase string `json:"fril_search_base"`
	FrilItemBase   string `json:"fril_item_base"`
}

// DefaultPath 是未指定时读取的配置文件。
const DefaultPath = "configs/config.json"

// Load 依次叠加默认值、JSON 配置文件与环境变量。
//
// 文件不存在不是错误。文件中显式写成 0 或空字符串的必填项会回到默认值，
// 只有 scrape.schedule_interval 允许为 0（关闭定时抓取）。
//
// 参数:
//
//	configPath: 配置文件路径（为空时使用 DefaultPath）
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 文件无法读取或解析时返回错误
func Load(configPath ...string) (*Config, error) {
	path := DefaultPath
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	cfg := getDefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		fillZeroes(cfg)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Default 返回不读取文件和环境变量的默认配置。
func Default() *Config {
	return getDefaultConfig()
}

func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:            "local",
			LogLevel:       "info",
			HTTPAddr:       ":8081",
			WorkerPoolSize: 2,
			QueueCapacity:  100,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/goodsdeck?parseTime=true&loc=Local&charset=utf8mb4",
		},
		Redis: RedisConfig{},
		Scrape: ScrapeConfig{
			OverlapThreshold:  5,
			MaxItemsPerSource: 300,
			ScheduleInterval:  0,
			RequestTimeout:    30 * time.Second,
			DetailDelay:       500 * time.Millisecond,
			TriggerDebounce:   30 * time.Second,
			RateLimit:         2,
			RateBurst:         4,
			UserAgent:         "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
			EnrichCapacity:    1000,
		},
		Sources: SourcesConfig{
			MercariAPIBase: "https://api.mercari.jp",
			MercariWebBase: "https://jp.mercari.com",
			YahooBase:      "https://auctions.yahoo.co.jp",
			YahooItemBase:  "https://page.auctions.yahoo.co.jp",
			FrilSearchBase: "https://fril.jp",
			FrilItemBase:   "https://item.fril.jp",
		},
	}
}

func fillZeroes(cfg *Config) {
	d := getDefaultConfig()
	orDefault(&cfg.App.Env, d.App.Env)
	orDefault(&cfg.App.LogLevel, d.App.LogLevel)
	orDefault(&cfg.App.HTTPAddr, d.App.HTTPAddr)
	orDefault(&cfg.App.WorkerPoolSize, d.App.WorkerPoolSize)
	orDefault(&cfg.App.QueueCapacity, d.App.QueueCapacity)
	orDefault(&cfg.MySQL.DSN, d.MySQL.DSN)

	sc := &cfg.Scrape
	orDefault(&sc.OverlapThreshold, d.Scrape.OverlapThreshold)
	orDefault(&sc.MaxItemsPerSource, d.Scrape.MaxItemsPerSource)
	orDefault(&sc.RequestTimeout, d.Scrape.RequestTimeout)
	orDefault(&sc.DetailDelay, d.Scrape.DetailDelay)
	orDefault(&sc.TriggerDebounce, d.Scrape.TriggerDebounce)
	orDefault(&sc.RateLimit, d.Scrape.RateLimit)
	orDefault(&sc.RateBurst, d.Scrape.RateBurst)
	orDefault(&sc.UserAgent, d.Scrape.UserAgent)
	orDefault(&sc.EnrichCapacity, d.Scrape.EnrichCapacity)

	src := &cfg.Sources
	orDefault(&src.MercariAPIBase, d.Sources.MercariAPIBase)
	orDefault(&src.MercariWebBase, d.Sources.MercariWebBase)
	orDefault(&src.YahooBase, d.Sources.YahooBase)
	orDefault(&src.YahooItemBase, d.Sources.YahooItemBase)
	orDefault(&src.FrilSearchBase, d.Sources.FrilSearchBase)
	orDefault(&src.FrilItemBase, d.Sources.FrilItemBase)
}

func orDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// envBindings 把配置项映射到环境变量，未设置或无法解析的变量被忽略。
var envBindings = []struct {
	env   string
	apply func(cfg *Config, v *viper.Viper, key string)
}{
	{"APP_ENV", func(c *Config, v *viper.Viper, k string) { c.App.Env = v.GetString(k) }},
	{"APP_LOG_LEVEL", func(c *Config, v *viper.Viper, k string) { c.App.LogLevel = v.GetString(k) }},
	{"APP_HTTP_ADDR", func(c *Config, v *viper.Viper, k string) { c.App.HTTPAddr = v.GetString(k) }},
	{"APP_WORKER_POOL_SIZE", positiveInt(func(c *Config) *int { return &c.App.WorkerPoolSize })},
	{"APP_QUEUE_CAPACITY", positiveInt(func(c *Config) *int { return &c.App.QueueCapacity })},
	{"SCRAPE_OVERLAP_THRESHOLD", positiveInt(func(c *Config) *int { return &c.Scrape.OverlapThreshold })},
	{"SCRAPE_MAX_ITEMS", positiveInt(func(c *Config) *int { return &c.Scrape.MaxItemsPerSource })},
	{"SCRAPE_SCHEDULE_INTERVAL", duration(func(c *Config) *time.Duration { return &c.Scrape.ScheduleInterval })},
	{"SCRAPE_REQUEST_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Scrape.RequestTimeout })},
	{"SCRAPE_TRIGGER_DEBOUNCE", duration(func(c *Config) *time.Duration { return &c.Scrape.TriggerDebounce })},
	{"SCRAPE_RATE_LIMIT", nonNegFloat(func(c *Config) *float64 { return &c.Scrape.RateLimit })},
	{"SCRAPE_RATE_BURST", nonNegFloat(func(c *Config) *float64 { return &c.Scrape.RateBurst })},
	{"REDIS_ADDR", func(c *Config, v *viper.Viper, k string) { c.Redis.Addr = v.GetString(k) }},
	{"REDIS_PASSWORD", func(c *Config, v *viper.Viper, k string) { c.Redis.Password = v.GetString(k) }},
}

func positiveInt(field func(*Config) *int) func(*Config, *viper.Viper, string) {
	return func(c *Config, v *viper.Viper, k string) {
		if n, err := strconv.Atoi(v.GetString(k)); err == nil && n > 0 {
			*field(c) = n
		}
	}
}

func duration(field func(*Config) *time.Duration) func(*Config, *viper.Viper, string) {
	return func(c *Config, v *viper.Viper, k string) {
		if d, err := time.ParseDuration(v.GetString(k)); err == nil && d >= 0 {
			*field(c) = d
		}
	}
}

func nonNegFloat(field func(*Config) *float64) func(*Config, *viper.Viper, string) {
	return func(c *Config, v *viper.Viper, k string) {
		if f, err := strconv.ParseFloat(v.GetString(k), 64); err == nil && f >= 0 {
			*field(c) = f
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	v := viper.New()
	for _, b := range envBindings {
		key := strings.ToLower(b.env)
		_ = v.BindEnv(key, b.env)
		if v.IsSet(key) {
			b.apply(cfg, v, key)
		}
	}
	cfg.MySQL.DSN = mysqlDSNFromEnv(v, cfg.MySQL.DSN)
}

// mysqlDSNFromEnv 优先使用 DB_DSN，否则把 DB_HOST 等单项变量合并进现有 DSN。
func mysqlDSNFromEnv(v *viper.Viper, current string) string {
	parts := []string{"db_dsn", "db_host", "db_port", "db_user", "db_password", "db_name"}
	for _, k := range parts {
		_ = v.BindEnv(k, strings.ToUpper(k))
	}
	if dsn := v.GetString("db_dsn"); dsn != "" {
		return dsn
	}
	if !slices.ContainsFunc(parts[1:], v.IsSet) {
		return current
	}

	mc, err := mysql.ParseDSN(current)
	if err != nil {
		mc = mysql.NewConfig()
		mc.Net, mc.Addr, mc.DBName = "tcp", "localhost:3306", "goodsdeck"
		mc.ParseTime = true
		mc.Params = map[string]string{"charset": "utf8mb4"}
	}
	host, port, err := net.SplitHostPort(mc.Addr)
	if err != nil {
		host, port = mc.Addr, "3306"
	}
	if h := v.GetString("db_host"); h != "" {
		host = h
	}
	if p := v.GetString("db_port"); p != "" {
		port = p
	}
	mc.Addr = net.JoinHostPort(host, port)
	if u := v.GetString("db_user"); u != "" {
		mc.User = u
	}
	if pw := v.GetString("db_password"); pw != "" {
		mc.Passwd = pw
	}
	if name := v.GetString("db_name"); name != "" {
		mc.DBName = name
	}
	return mc.FormatDSN()
}

// UnmarshalJSON 支持以字符串形式书写的时间间隔（如 "30s"）。
func (s *ScrapeConfig) UnmarshalJSON(data []byte) error {
	type Alias ScrapeConfig
	aux := &struct {
		ScheduleInterval string `json:"schedule_interval"`
		RequestTimeout   string `json:"request_timeout"`
		DetailDelay      string `json:"detail_delay"`
		TriggerDebounce  string `json:"trigger_debounce"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"schedule_interval", aux.ScheduleInterval, &s.ScheduleInterval},
		{"request_timeout", aux.RequestTimeout, &s.RequestTimeout},
		{"detail_delay", aux.DetailDelay, &s.DetailDelay},
		{"trigger_debounce", aux.TriggerDebounce, &s.TriggerDebounce},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

// MarshalJSON 将时间间隔序列化为字符串。
func (s ScrapeConfig) MarshalJSON() ([]byte, error) {
	type Alias ScrapeConfig
	return json.Marshal(&struct {
		ScheduleInterval string `json:"schedule_interval"`
		RequestTimeout   string `json:"request_timeout"`
		DetailDelay      string `json:"detail_delay"`
		TriggerDebounce  string `json:"trigger_debounce"`
		*Alias
	}{
		ScheduleInterval: s.ScheduleInterval.String(),
		RequestTimeout:   s.RequestTimeout.String(),
		DetailDelay:      s.DetailDelay.String(),
		TriggerDebounce:  s.TriggerDebounce.String(),
		Alias:            (*Alias)(&s),
	})
}

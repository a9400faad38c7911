package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database  DatabaseConfig
	Scheduler SchedulerConfig
	Notify    NotifyConfig
	Redis     RedisConfig
	Archive   ArchiveConfig
	HTTP      HTTPConfig
	Worker    WorkerConfig
	LogLevel  string
	LogFile   string
	SourceDir string
	Sources   map[string]*SourceConfig
}

type DatabaseConfig struct {
	Driver string // postgres or sqlite
	URL    string
	Path   string
}

type SchedulerConfig struct {
	DetectCron    string
	DetailCron    string
	ReconcileCron string
	DispatchCron  string
	AlertsCron    string
	ReclaimCron   string
	CommandPoll   time.Duration
	Mode          string
}

type NotifyConfig struct {
	Provider      string // webhook, kafka or log
	WebhookURL    string
	WebhookToken  string
	KafkaBrokers  []string
	KafkaTopic    string
	DispatchLimit int
}

type RedisConfig struct {
	URL     string
	LockTTL time.Duration
}

type ArchiveConfig struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
}

func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

type HTTPConfig struct {
	Addr string
}

type WorkerConfig struct {
	ID string
}

// SourceConfig is loaded from config/sources/<key>.yaml.
type SourceConfig struct {
	Key        string          `yaml:"key" validate:"required"`
	Name       string          `yaml:"name"`
	Adapter    string          `yaml:"adapter" validate:"required,oneof=html"`
	Enabled    *bool           `yaml:"enabled"`
	BaseURL    string          `yaml:"base_url" validate:"required,url"`
	ListPath   string          `yaml:"list_path"`
	PageParam  string          `yaml:"page_param"`
	Pages      int             `yaml:"pages" validate:"gte=0"`
	UseBrowser bool            `yaml:"use_browser"`
	RateLimit  float64         `yaml:"rate_limit" validate:"gte=0"`
	Burst      int             `yaml:"burst" validate:"gte=0"`
	Selectors  Selectors       `yaml:"selectors"`
	Thresholds Thresholds      `yaml:"thresholds"`
	Queue      QueueConfig     `yaml:"queue"`
	Alerts     AlertThresholds `yaml:"alerts"`
	Health     HealthConfig    `yaml:"health"`
}

func (s *SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Selectors are CSS selectors for the generic HTML adapter. Field selectors
// are evaluated relative to each Item match.
type Selectors struct {
	Item         string            `yaml:"item"`
	SourceIDAttr string            `yaml:"source_id_attr"`
	Name         string            `yaml:"name"`
	Type         string            `yaml:"type"`
	Dimensions   string            `yaml:"dimensions"`
	Tonnage      string            `yaml:"tonnage"`
	BuildYear    string            `yaml:"build_year"`
	Price        string            `yaml:"price"`
	Currency     string            `yaml:"currency"`
	Link         string            `yaml:"link"`
	Image        string            `yaml:"image"`
	Sold         string            `yaml:"sold"`
	DetailFields map[string]string `yaml:"detail_fields"`
	DetailImages string            `yaml:"detail_images"`
}

type Thresholds struct {
	MaxParseFailRatio              float64 `yaml:"max_parse_fail_ratio" validate:"gte=0,lte=1"`
	MaxSelectorFailCount           int     `yaml:"max_selector_fail_count" validate:"gte=0"`
	MinPageCoverageRatio           float64 `yaml:"min_page_coverage_ratio" validate:"gte=0,lte=1"`
	MaxConsecutiveMissesForRemoved int     `yaml:"max_consecutive_misses_for_removed" validate:"gte=0"`
}

type QueueConfig struct {
	BatchSize    int           `yaml:"detail_worker_batch_size" validate:"gte=0"`
	BudgetPerRun int           `yaml:"budget_per_run" validate:"gte=0"`
	MaxAttempts  int           `yaml:"max_attempts" validate:"gte=0"`
	LeaseTimeout time.Duration `yaml:"lease_timeout"`
}

type AlertThresholds struct {
	CountDropRatio     float64       `yaml:"count_drop_ratio" validate:"gte=0,lte=1"`
	ParseFailRatio     float64       `yaml:"parse_fail_ratio" validate:"gte=0,lte=1"`
	RemovalBurstFactor float64       `yaml:"removal_burst_factor" validate:"gte=0"`
	RemovalBurstMin    int           `yaml:"removal_burst_min" validate:"gte=0"`
	MaxQueueAge        time.Duration `yaml:"max_queue_age"`
	MaxOutboxAge       time.Duration `yaml:"max_outbox_age"`
	MinHistory         int           `yaml:"min_history" validate:"gte=0"`
}

type HealthConfig struct {
	Window int `yaml:"window" validate:"gte=0"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxParseFailRatio:              0.2,
		MaxSelectorFailCount:           3,
		MinPageCoverageRatio:           0.8,
		MaxConsecutiveMissesForRemoved: 2,
	}
}

func DefaultQueue() QueueConfig {
	return QueueConfig{
		BatchSize:    10,
		BudgetPerRun: 100,
		MaxAttempts:  5,
		LeaseTimeout: 15 * time.Minute,
	}
}

func DefaultAlerts() AlertThresholds {
	return AlertThresholds{
		CountDropRatio:     0.5,
		ParseFailRatio:     0.2,
		RemovalBurstFactor: 3,
		RemovalBurstMin:    5,
		MaxQueueAge:        6 * time.Hour,
		MaxOutboxAge:       time.Hour,
		MinHistory:         3,
	}
}

// ApplyDefaults fills zero values. Zero thresholds in YAML are replaced
// too, so a source that wants a literal zero must use a small epsilon.
func (s *SourceConfig) ApplyDefaults() {
	if s.Name == "" {
		s.Name = s.Key
	}
	if s.Pages == 0 {
		s.Pages = 1
	}
	if s.PageParam == "" {
		s.PageParam = "page"
	}
	if s.RateLimit == 0 {
		s.RateLimit = 1
	}
	if s.Burst == 0 {
		s.Burst = 2
	}

	dt := DefaultThresholds()
	if s.Thresholds.MaxParseFailRatio == 0 {
		s.Thresholds.MaxParseFailRatio = dt.MaxParseFailRatio
	}
	if s.Thresholds.MaxSelectorFailCount == 0 {
		s.Thresholds.MaxSelectorFailCount = dt.MaxSelectorFailCount
	}
	if s.Thresholds.MinPageCoverageRatio == 0 {
		s.Thresholds.MinPageCoverageRatio = dt.MinPageCoverageRatio
	}
	if s.Thresholds.MaxConsecutiveMissesForRemoved == 0 {
		s.Thresholds.MaxConsecutiveMissesForRemoved = dt.MaxConsecutiveMissesForRemoved
	}

	dq := DefaultQueue()
	if s.Queue.BatchSize == 0 {
		s.Queue.BatchSize = dq.BatchSize
	}
	if s.Queue.BudgetPerRun == 0 {
		s.Queue.BudgetPerRun = dq.BudgetPerRun
	}
	if s.Queue.MaxAttempts == 0 {
		s.Queue.MaxAttempts = dq.MaxAttempts
	}
	if s.Queue.LeaseTimeout == 0 {
		s.Queue.LeaseTimeout = dq.LeaseTimeout
	}

	da := DefaultAlerts()
	if s.Alerts.CountDropRatio == 0 {
		s.Alerts.CountDropRatio = da.CountDropRatio
	}
	if s.Alerts.ParseFailRatio == 0 {
		s.Alerts.ParseFailRatio = da.ParseFailRatio
	}
	if s.Alerts.RemovalBurstFactor == 0 {
		s.Alerts.RemovalBurstFactor = da.RemovalBurstFactor
	}
	if s.Alerts.RemovalBurstMin == 0 {
		s.Alerts.RemovalBurstMin = da.RemovalBurstMin
	}
	if s.Alerts.MaxQueueAge == 0 {
		s.Alerts.MaxQueueAge = da.MaxQueueAge
	}
	if s.Alerts.MaxOutboxAge == 0 {
		s.Alerts.MaxOutboxAge = da.MaxOutboxAge
	}
	if s.Alerts.MinHistory == 0 {
		s.Alerts.MinHistory = da.MinHistory
	}
	if s.Health.Window == 0 {
		s.Health.Window = 20
	}
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Database: DatabaseConfig{
			Driver: getEnv("DB_DRIVER", "sqlite"),
			URL:    os.Getenv("DATABASE_URL"),
			Path:   getEnv("DB_PATH", "vessels.db"),
		},
		Scheduler: SchedulerConfig{
			DetectCron:    getEnv("DETECT_CRON", "*/30 * * * *"),
			DetailCron:    getEnv("DETAIL_CRON", "*/5 * * * *"),
			ReconcileCron: getEnv("RECONCILE_CRON", "0 3 * * *"),
			DispatchCron:  getEnv("DISPATCH_CRON", "* * * * *"),
			AlertsCron:    getEnv("ALERTS_CRON", "*/15 * * * *"),
			ReclaimCron:   getEnv("RECLAIM_CRON", "*/10 * * * *"),
			CommandPoll:   getEnvDuration("COMMAND_POLL", 2*time.Second),
			Mode:          getEnv("RUN_MODE", "authoritative"),
		},
		Notify: NotifyConfig{
			Provider:      getEnv("NOTIFY_PROVIDER", "log"),
			WebhookURL:    os.Getenv("NOTIFY_WEBHOOK_URL"),
			WebhookToken:  os.Getenv("NOTIFY_WEBHOOK_TOKEN"),
			KafkaBrokers:  splitList(os.Getenv("KAFKA_BROKERS")),
			KafkaTopic:    getEnv("KAFKA_TOPIC", "vessel-changes"),
			DispatchLimit: getEnvInt("DISPATCH_LIMIT", 200),
		},
		Redis: RedisConfig{
			URL:     os.Getenv("REDIS_URL"),
			LockTTL: getEnvDuration("RUN_LOCK_TTL", 2*time.Hour),
		},
		Archive: ArchiveConfig{
			Bucket:    os.Getenv("ARCHIVE_BUCKET"),
			Region:    getEnv("ARCHIVE_REGION", "auto"),
			Endpoint:  os.Getenv("ARCHIVE_ENDPOINT"),
			AccessKey: os.Getenv("ARCHIVE_ACCESS_KEY"),
			SecretKey: os.Getenv("ARCHIVE_SECRET_KEY"),
			Prefix:    getEnv("ARCHIVE_PREFIX", "staging"),
		},
		HTTP: HTTPConfig{
			Addr: getEnv("HTTP_ADDR", ":8080"),
		},
		Worker: WorkerConfig{
			ID: getEnv("WORKER_ID", defaultWorkerID()),
		},
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFile:   getEnv("LOG_FILE", "ingest.log"),
		SourceDir: getEnv("SOURCES_DIR", "config/sources"),
	}

	sources, err := LoadSources(cfg.SourceDir)
	if err != nil {
		return nil, err
	}
	cfg.Sources = sources

	return cfg, nil
}

// LoadSources reads every *.yaml file in dir. A missing dir yields no sources.
func LoadSources(dir string) (map[string]*SourceConfig, error) {
	sources := make(map[string]*SourceConfig)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return sources, nil
		}
		return nil, err
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		var src SourceConfig
		if err := yaml.Unmarshal(data, &src); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		src.ApplyDefaults()
		if err := validate.Struct(&src); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if _, dup := sources[src.Key]; dup {
			return nil, fmt.Errorf("%s: duplicate source key %q", path, src.Key)
		}

		sources[src.Key] = &src
	}

	return sources, nil
}

// SourceKeys returns enabled source keys in sorted order.
func (c *Config) SourceKeys() []string {
	keys := make([]string, 0, len(c.Sources))
	for k, s := range c.Sources {
		if s.IsEnabled() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

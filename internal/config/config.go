// Package config загружает конфигурацию оркестратора из YAML-файла
// и переменных окружения.
//
// Порядок: значения по умолчанию → файл → окружение. После загрузки
// незаданные параметры воркеров заполняются значениями по умолчанию,
// затем вызывается Validate.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/Jobhost/internal/domain"
	"github.com/shaiso/Jobhost/internal/retry"
	"github.com/shaiso/Jobhost/internal/scheduler"
)

// ErrInvalidConfig — конфигурация некорректна. Процесс не должен стартовать.
var ErrInvalidConfig = errors.New("invalid config")

// Значения по умолчанию.
const (
	DefaultExecutionInterval = 10 * time.Second
	DefaultCleaningInterval  = 60 * time.Minute
	DefaultStoreTimeout      = 30 * time.Second
	DefaultJobTimeout        = 24 * time.Hour
	DefaultStartTimeout      = 2 * time.Minute
	DefaultCancelGrace       = 30 * time.Second
	DefaultHeartbeatTTL      = time.Minute
	DefaultBatchSize         = 50
	DefaultHTTPAddr          = ":8080"
)

// Драйверы хранилища.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Виды executor'ов.
const (
	ExecutorLocal  = "local"
	ExecutorRemote = "remote"
)

// Config — конфигурация процесса оркестратора.
type Config struct {
	// ExecutionTimerInterval — период execution tick (poll воркеров).
	ExecutionTimerInterval time.Duration `yaml:"execution_timer_interval"`

	// CleaningTimerInterval — период cleaning tick.
	CleaningTimerInterval time.Duration `yaml:"cleaning_timer_interval"`

	// CleaningSchedule — cron-выражение cleaning tick. Если задано,
	// важнее CleaningTimerInterval.
	CleaningSchedule string `yaml:"cleaning_schedule"`

	// StoreTimeout — таймаут одного обращения к хранилищу.
	StoreTimeout time.Duration `yaml:"store_timeout"`

	// HeartbeatTTL — сколько отчёт host'а подтверждает живость job (remote executor).
	HeartbeatTTL time.Duration `yaml:"heartbeat_ttl"`

	// HTTPAddr — адрес /healthz и /metrics.
	HTTPAddr string `yaml:"http_addr"`

	// InstanceID — постоянный идентификатор процесса. Записывается в jobs,
	// которые процесс взял в работу; Clean и Sweep разбирают только свои.
	// По умолчанию имя машины.
	InstanceID string `yaml:"instance_id"`

	Store    StoreConfig    `yaml:"store"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Scalars  ScalarsConfig  `yaml:"scalars"`
	Retry    retry.Policy   `yaml:"retry"`

	Workers []WorkerConfig `yaml:"workers"`

	// Hosts и Tasks — начальное содержимое директорий (upsert при старте).
	Hosts []HostConfig `yaml:"hosts"`
	Tasks []TaskConfig `yaml:"tasks"`
}

// StoreConfig — хранилище jobs/hosts/tasks.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RabbitMQConfig — брокер. Пустой URL — работа без брокера.
type RabbitMQConfig struct {
	URL string `yaml:"url"`
}

// ScalarsConfig — публикация телеметрии (running jobs по hosts).
type ScalarsConfig struct {
	Disable bool `yaml:"disable"`
}

// WorkerConfig — один job worker (одна очередь jobs).
type WorkerConfig struct {
	ID             string        `yaml:"id"`
	Queue          string        `yaml:"queue"`
	JobTimeout     time.Duration `yaml:"job_timeout"`
	StartTimeout   time.Duration `yaml:"start_timeout"`
	MaxAge         time.Duration `yaml:"max_age"`
	CancelGrace    time.Duration `yaml:"cancel_grace"`
	BatchSize      int           `yaml:"batch_size"`
	VerboseLogging bool          `yaml:"verbose_logging"`
	Executor       string        `yaml:"executor"`
}

// HostConfig — описание host.
type HostConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Address  string `yaml:"address"`
	Group    string `yaml:"group"`
	Capacity int    `yaml:"capacity"`
	Priority int    `yaml:"priority"`
	Disabled bool   `yaml:"disabled"`
}

// Host преобразует описание в domain.Host.
func (h HostConfig) Host() domain.Host {
	return domain.Host{
		ID:          h.ID,
		Name:        h.Name,
		Address:     h.Address,
		Group:       h.Group,
		Capacity:    h.Capacity,
		Priority:    h.Priority,
		IsAvailable: !h.Disabled,
	}
}

// TaskConfig — описание task.
type TaskConfig struct {
	ID         string                `yaml:"id"`
	Name       string                `yaml:"name"`
	Runner     string                `yaml:"runner"`
	Timeout    time.Duration         `yaml:"timeout"`
	HostGroup  string                `yaml:"host_group"`
	Parameters []domain.ParameterDef `yaml:"parameters"`
	Config     map[string]any        `yaml:"config"`
}

// Task преобразует описание в domain.TaskDefinition.
func (t TaskConfig) Task() domain.TaskDefinition {
	name := t.Name
	if name == "" {
		name = t.ID
	}
	return domain.TaskDefinition{
		ID:         t.ID,
		Name:       name,
		Runner:     t.Runner,
		Timeout:    t.Timeout,
		HostGroup:  t.HostGroup,
		Parameters: t.Parameters,
		Config:     t.Config,
	}
}

// Default возвращает конфигурацию по умолчанию.
func Default() *Config {
	return &Config{
		ExecutionTimerInterval: DefaultExecutionInterval,
		CleaningTimerInterval:  DefaultCleaningInterval,
		StoreTimeout:           DefaultStoreTimeout,
		HeartbeatTTL:           DefaultHeartbeatTTL,
		HTTPAddr:               DefaultHTTPAddr,
		Store:                  StoreConfig{Driver: DriverPostgres},
		Retry:                  retry.DefaultPolicy(),
	}
}

// Load читает конфигурацию. Если path пуст, используются только
// значения по умолчанию и окружение.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv переопределяет значения из окружения.
func (c *Config) applyEnv() error {
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"JOBHOST_EXECUTION_TIMER_INTERVAL", &c.ExecutionTimerInterval},
		{"JOBHOST_CLEANING_TIMER_INTERVAL", &c.CleaningTimerInterval},
		{"JOBHOST_STORE_TIMEOUT", &c.StoreTimeout},
		{"JOBHOST_HEARTBEAT_TTL", &c.HeartbeatTTL},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, d.key, v, err)
		}
		*d.dst = parsed
	}

	if v := os.Getenv("JOBHOST_CLEANING_SCHEDULE"); v != "" {
		c.CleaningSchedule = v
	}
	if v := os.Getenv("JOBHOST_HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv("JOBHOST_INSTANCE_ID"); v != "" {
		c.InstanceID = v
	}
	if v := os.Getenv("JOBHOST_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("DB_URL"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("RABBITMQ_URL"); v != "" {
		c.RabbitMQ.URL = v
	}
	if v := os.Getenv("JOBHOST_SCALARS_DISABLE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: JOBHOST_SCALARS_DISABLE=%q: %v", ErrInvalidConfig, v, err)
		}
		c.Scalars.Disable = b
	}
	return nil
}

// applyDefaults заполняет незаданные параметры.
func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		if name, err := os.Hostname(); err == nil && name != "" {
			c.InstanceID = name
		} else {
			c.InstanceID = "jobhost"
		}
	}

	for i := range c.Workers {
		w := &c.Workers[i]
		if w.Queue == "" {
			w.Queue = w.ID
		}
		if w.JobTimeout == 0 {
			w.JobTimeout = DefaultJobTimeout
		}
		if w.StartTimeout == 0 {
			w.StartTimeout = DefaultStartTimeout
		}
		if w.CancelGrace == 0 {
			w.CancelGrace = DefaultCancelGrace
		}
		if w.BatchSize == 0 {
			w.BatchSize = DefaultBatchSize
		}
		if w.Executor == "" {
			w.Executor = ExecutorLocal
		}
	}
}

// Validate проверяет конфигурацию. Все ошибки оборачивают ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.ExecutionTimerInterval <= 0 {
		fail("execution_timer_interval must be positive")
	}
	if c.CleaningSchedule != "" {
		if err := scheduler.ValidateCronExpr(c.CleaningSchedule); err != nil {
			fail("cleaning_schedule: %v", err)
		}
	} else if c.CleaningTimerInterval <= 0 {
		fail("cleaning_timer_interval must be positive")
	}
	if c.StoreTimeout <= 0 {
		fail("store_timeout must be positive")
	}
	switch c.Store.Driver {
	case DriverPostgres, DriverMemory:
	default:
		fail("store.driver: unknown driver %q", c.Store.Driver)
	}

	if len(c.Workers) == 0 {
		fail("at least one worker is required")
	}
	ids := make(map[string]bool)
	queues := make(map[string]bool)
	for i, w := range c.Workers {
		if w.ID == "" {
			fail("workers[%d]: id is required", i)
			continue
		}
		if ids[w.ID] {
			fail("workers[%d]: duplicate id %q", i, w.ID)
		}
		ids[w.ID] = true
		if queues[w.Queue] {
			fail("workers[%d]: queue %q is served by another worker", i, w.Queue)
		}
		queues[w.Queue] = true

		if w.JobTimeout < 0 || w.StartTimeout < 0 || w.CancelGrace < 0 || w.MaxAge < 0 {
			fail("workers[%d]: durations must not be negative", i)
		}
		switch w.Executor {
		case ExecutorLocal:
		case ExecutorRemote:
			if c.RabbitMQ.URL == "" {
				fail("workers[%d]: executor %q requires rabbitmq.url", i, w.Executor)
			}
		default:
			fail("workers[%d]: unknown executor %q", i, w.Executor)
		}
	}

	for i, h := range c.Hosts {
		if h.ID == "" {
			fail("hosts[%d]: id is required", i)
		}
		if h.Capacity < 0 {
			fail("hosts[%d]: capacity must not be negative", i)
		}
	}
	for i, t := range c.Tasks {
		if t.ID == "" || t.Runner == "" {
			fail("tasks[%d]: id and runner are required", i)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Package config загружает настройки процессов Harvester через Viper.
//
// Источники по возрастанию приоритета: значения по умолчанию,
// файл конфигурации (--config), переменные окружения HARVESTER_*
// (точка в ключе заменяется на "_": db.url → HARVESTER_DB_URL).
//
// Настройки пайплайна (is_enabled, интервал, лимиты) здесь не живут:
// они хранятся в pipeline_settings и меняются через API.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/shaiso/Harvester/internal/mq"
	"github.com/shaiso/Harvester/internal/scheduler"
	"github.com/shaiso/Harvester/internal/steps"
)

// EnvPrefix - префикс переменных окружения.
const EnvPrefix = "HARVESTER"

// Виды хранилища.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config - настройки всех бинарников Harvester.
type Config struct {
	Store      string                `mapstructure:"store"`
	DB         DBConfig              `mapstructure:"db"`
	AMQP       AMQPConfig            `mapstructure:"amqp"`
	HTTP       HTTPConfig            `mapstructure:"http"`
	API        APIConfig             `mapstructure:"api"`
	Supervisor SupervisorConfig      `mapstructure:"supervisor"`
	Scheduler  SchedulerConfig       `mapstructure:"scheduler"`
	Advance    AdvanceConfig         `mapstructure:"advance"`
	Steps      map[string]StepConfig `mapstructure:"steps"`
	Log        LogConfig             `mapstructure:"log"`
}

// DBConfig - подключение к Postgres.
type DBConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"max_conns"`
}

// AMQPConfig - подключение к RabbitMQ. Пустой URL отключает уведомления,
// процессы работают только через опрос хранилища.
type AMQPConfig struct {
	URL string `mapstructure:"url"`
}

// HTTPConfig - порт /healthz, /metrics и API.
// 0 - порт по умолчанию конкретного бинарника.
type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

// Addr возвращает адрес для ListenAndServe.
func (h HTTPConfig) Addr(defaultPort int) string {
	port := h.Port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf(":%d", port)
}

// APIConfig - адрес API для harvester-cli.
type APIConfig struct {
	URL string `mapstructure:"url"`
}

// SupervisorConfig - параметры orchestrator.Supervisor.
type SupervisorConfig struct {
	WorkerID          string        `mapstructure:"worker_id"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MaxResumeAttempts int           `mapstructure:"max_resume_attempts"`
	StoreRetries      int           `mapstructure:"store_retries"`
}

// SchedulerConfig - встроенный цикл Advance.
type SchedulerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Cron    string `mapstructure:"cron"`
}

// AdvanceConfig - защита POST /api/v1/advance. Пустой токен - без проверки.
type AdvanceConfig struct {
	Token string `mapstructure:"token"`
}

// StepConfig - переопределение шага пайплайна.
type StepConfig struct {
	Command  string        `mapstructure:"command"`
	Args     []string      `mapstructure:"args"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Optional *bool         `mapstructure:"optional"`
}

// LogConfig - логирование процессов и хвосты вывода шагов.
type LogConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	TailBytes int    `mapstructure:"tail_bytes"`
}

// Load собирает Config из файла (если path не пуст) и окружения.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store", StorePostgres)
	v.SetDefault("db.url", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("amqp.url", mq.DefaultURL())
	v.SetDefault("http.port", 0)
	v.SetDefault("api.url", "http://localhost:8080")

	v.SetDefault("supervisor.worker_id", "")
	v.SetDefault("supervisor.poll_interval", 30*time.Second)
	v.SetDefault("supervisor.stale_after", 30*time.Minute)
	v.SetDefault("supervisor.heartbeat_interval", time.Minute)
	v.SetDefault("supervisor.max_resume_attempts", 3)
	v.SetDefault("supervisor.store_retries", 5)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.cron", scheduler.DefaultCron)

	v.SetDefault("advance.token", "")

	// Ключи известных шагов регистрируются, чтобы их можно было
	// задать переменными окружения (HARVESTER_STEPS_EVENT_SCRAPE_COMMAND).
	for _, def := range steps.DefaultDefinitions() {
		v.SetDefault("steps."+def.Name+".command", "")
		v.SetDefault("steps."+def.Name+".timeout", time.Duration(0))
	}

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.tail_bytes", 16*1024)
}

// Validate проверяет обязательные значения и границы.
func (c Config) Validate() error {
	switch c.Store {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("%w: store must be %q or %q, got %q", ErrInvalidConfig, StorePostgres, StoreMemory, c.Store)
	}
	if c.DB.MaxConns <= 0 {
		return fmt.Errorf("%w: db.max_conns must be > 0", ErrInvalidConfig)
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("%w: http.port out of range", ErrInvalidConfig)
	}
	if c.Supervisor.PollInterval <= 0 {
		return fmt.Errorf("%w: supervisor.poll_interval must be > 0", ErrInvalidConfig)
	}
	if c.Supervisor.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: supervisor.heartbeat_interval must be > 0", ErrInvalidConfig)
	}
	if c.Supervisor.StaleAfter <= c.Supervisor.HeartbeatInterval {
		return fmt.Errorf("%w: supervisor.stale_after must exceed supervisor.heartbeat_interval", ErrInvalidConfig)
	}
	if c.Supervisor.MaxResumeAttempts <= 0 {
		return fmt.Errorf("%w: supervisor.max_resume_attempts must be > 0", ErrInvalidConfig)
	}
	if c.Supervisor.StoreRetries < 0 {
		return fmt.Errorf("%w: supervisor.store_retries must be >= 0", ErrInvalidConfig)
	}
	if c.Scheduler.Enabled {
		if err := scheduler.ValidateCron(c.Scheduler.Cron); err != nil {
			return fmt.Errorf("%w: scheduler.cron: %v", ErrInvalidConfig, err)
		}
	}
	for name, sc := range c.Steps {
		if sc.Timeout < 0 {
			return fmt.Errorf("%w: steps.%s.timeout must be >= 0", ErrInvalidConfig, name)
		}
	}
	if c.Log.TailBytes <= 0 {
		return fmt.Errorf("%w: log.tail_bytes must be > 0", ErrInvalidConfig)
	}
	return nil
}

// StepOverrides переводит steps.* в переопределения реестра.
// Шаги без заданных полей пропускаются.
func (c Config) StepOverrides() map[string]steps.Override {
	out := make(map[string]steps.Override, len(c.Steps))
	for name, sc := range c.Steps {
		o := steps.Override{
			Command:  sc.Command,
			Timeout:  sc.Timeout,
			Optional: sc.Optional,
		}
		if len(sc.Args) > 0 {
			o.Args = sc.Args
		}
		if o.Command == "" && o.Args == nil && o.Timeout == 0 && o.Optional == nil {
			continue
		}
		out[name] = o
	}
	return out
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/horizon/internal/logger"
)

// EnvPrefix prefixes environment overrides, e.g. HORIZON_REDIS_ADDR.
const EnvPrefix = "HORIZON"

// Wildcard is the environment whose entries apply to every environment.
const Wildcard = "*"

// DefaultBalanceCooldown is applied when an entry does not set balance_cooldown.
const DefaultBalanceCooldown = 3

// Config represents the top-level horizon.toml structure.
type Config struct {
	Basename    string           `mapstructure:"basename"`
	Environment string           `mapstructure:"environment"`
	Master      MasterConfig     `mapstructure:"master"`
	Worker      WorkerConfig     `mapstructure:"worker"`
	Repository  RepositoryConfig `mapstructure:"repository"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Store       StoreConfig      `mapstructure:"store"`
	Metrics     MetricsConfig    `mapstructure:"metrics"`
	Server      ServerConfig     `mapstructure:"server"`
	Log         logger.Options   `mapstructure:"log"`

	// Environments holds the resolved plan entries per environment, with
	// [[defaults]] and wildcard entries already applied.
	Environments map[string][]SupervisorConfig `mapstructure:"-"`
}

type MasterConfig struct {
	Tick            time.Duration `mapstructure:"tick"`
	PIDFile         string        `mapstructure:"pid_file"`
	FastTermination bool          `mapstructure:"fast_termination"`
	PurgeSchedule   string        `mapstructure:"purge_schedule"` // cron expression, optional
	PurgeSignal     string        `mapstructure:"purge_signal"`
}

type WorkerConfig struct {
	Command   string        `mapstructure:"command"`
	Signature string        `mapstructure:"signature"` // command-line substring identifying workers
	WorkDir   string        `mapstructure:"work_dir"`
	Env       []string      `mapstructure:"env"`
	EnvFiles  []string      `mapstructure:"env_files"`
	UseOSEnv  bool          `mapstructure:"use_os_env"`
	Log       logger.Config `mapstructure:"log"`
}

type RepositoryConfig struct {
	Driver string        `mapstructure:"driver"` // redis or memory
	TTL    time.Duration `mapstructure:"ttl"`
	Prefix string        `mapstructure:"prefix"`
}

type RedisConfig struct {
	Addr           string   `mapstructure:"addr"`
	Password       string   `mapstructure:"password"`
	DB             int      `mapstructure:"db"`
	SentinelMaster string   `mapstructure:"sentinel_master"`
	SentinelAddrs  []string `mapstructure:"sentinel_addrs"`
	QueuePrefix    string   `mapstructure:"queue_prefix"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"` // sqlite path or postgres:// URL; empty disables history
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// ServerConfig enables the read-only status API.
type ServerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	// TLSDir holds tls.crt and tls.key when cert_file is unset.
	TLSDir          string     `mapstructure:"tls_dir"`
	TLSAutoGenerate bool       `mapstructure:"tls_auto_generate"`
	TLSMinVersion   string     `mapstructure:"tls_min_version"`
	Auth            AuthConfig `mapstructure:"auth"`
}

// AuthConfig protects the status API. Passwords are bcrypt hashes.
type AuthConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	JWTSecret string        `mapstructure:"jwt_secret"` // random per process when empty
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Users     []UserConfig  `mapstructure:"users"`
}

type UserConfig struct {
	Username     string   `mapstructure:"username"`
	PasswordHash string   `mapstructure:"password_hash"`
	Roles        []string `mapstructure:"roles"` // viewer, operator
}

// TLSEnabled reports whether the status API serves HTTPS.
func (s ServerConfig) TLSEnabled() bool { return s.CertFile != "" || s.TLSDir != "" }

// SupervisorConfig is one plan entry. Durations are whole seconds.
type SupervisorConfig struct {
	Name            string   `mapstructure:"name"`
	Connection      string   `mapstructure:"connection"`
	Queue           []string `mapstructure:"queue"`
	Balance         string   `mapstructure:"balance"`
	MinProcesses    int      `mapstructure:"min_processes"`
	MaxProcesses    int      `mapstructure:"max_processes"`
	BalanceMaxShift int      `mapstructure:"balance_max_shift"`
	BalanceCooldown int      `mapstructure:"balance_cooldown"`
	ScaleUpPressure int      `mapstructure:"scale_up_pressure"`
	Timeout         int      `mapstructure:"timeout"`
	Sleep           int      `mapstructure:"sleep"`
	Backoff         int      `mapstructure:"backoff"`
	Rest            int      `mapstructure:"rest"`
	MaxTime         int      `mapstructure:"max_time"`
	Tries           int      `mapstructure:"tries"`
	Memory          int      `mapstructure:"memory"`
	MaxJobs         int      `mapstructure:"max_jobs"`
	Force           bool     `mapstructure:"force"`
	Nice            int      `mapstructure:"nice"`
	Command         string   `mapstructure:"command"` // overrides worker.command
	Env             []string `mapstructure:"env"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("basename", "")
	v.SetDefault("environment", "production")
	v.SetDefault("master.tick", "1s")
	v.SetDefault("master.pid_file", "")
	v.SetDefault("master.fast_termination", false)
	v.SetDefault("master.purge_schedule", "")
	v.SetDefault("master.purge_signal", "SIGTERM")
	v.SetDefault("worker.command", "")
	v.SetDefault("worker.signature", "horizon:work")
	v.SetDefault("worker.work_dir", "")
	v.SetDefault("worker.use_os_env", true)
	v.SetDefault("repository.driver", "redis")
	v.SetDefault("repository.ttl", "15s")
	v.SetDefault("repository.prefix", "horizon:")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.sentinel_master", "")
	v.SetDefault("redis.queue_prefix", "queues:")
	v.SetDefault("store.dsn", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/horizon")
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.token_ttl", "24h")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", true)
	v.SetDefault("log.file", "")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads a TOML config file. An empty path yields the defaults plus
// HORIZON_* environment overrides.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return decode(v)
}

// Parse reads TOML config from memory.
func Parse(data []byte) (*Config, error) {
	v := newViper()
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	envs, err := resolvePlan(v.Get("defaults"), v.Get("environments"))
	if err != nil {
		return nil, err
	}
	c.Environments = envs
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	switch c.Repository.Driver {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("repository.driver %q unsupported (redis, memory)", c.Repository.Driver))
	}
	if c.Master.Tick <= 0 {
		errs = append(errs, errors.New("master.tick must be positive"))
	}
	if c.Repository.TTL < c.Master.Tick {
		errs = append(errs, fmt.Errorf("repository.ttl %s must not be shorter than master.tick %s", c.Repository.TTL, c.Master.Tick))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics.listen is required when metrics are enabled"))
	}
	if c.Server.Enabled && c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required when the server is enabled"))
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		errs = append(errs, errors.New("server.cert_file and server.key_file must be set together"))
	}
	if c.Server.TLSAutoGenerate && c.Server.TLSDir == "" {
		errs = append(errs, errors.New("server.tls_auto_generate requires server.tls_dir"))
	}
	if c.Server.Auth.Enabled {
		if len(c.Server.Auth.Users) == 0 {
			errs = append(errs, errors.New("server.auth requires at least one user"))
		}
		for i, u := range c.Server.Auth.Users {
			if u.Username == "" || u.PasswordHash == "" {
				errs = append(errs, fmt.Errorf("server.auth.users[%d]: username and password_hash are required", i))
			}
		}
	}
	for env, entries := range c.Environments {
		if len(entries) > 0 && c.Worker.Command == "" {
			for _, e := range entries {
				if e.Command == "" {
					errs = append(errs, fmt.Errorf("environment %s: supervisor %s has no command and worker.command is empty", env, e.Name))
				}
			}
		}
	}
	return errors.Join(errs...)
}

// EnvironmentNames returns the configured environments, sorted.
func (c *Config) EnvironmentNames() []string {
	out := make([]string, 0, len(c.Environments))
	for name := range c.Environments {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// WorkerEnv merges env_files then the env list, in that order.
func (c *Config) WorkerEnv() ([]string, error) {
	var out []string
	for _, p := range c.Worker.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, pairs...)
	}
	return append(out, c.Worker.Env...), nil
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries in file order.
// Blank lines and lines starting with # are ignored.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, strings.TrimSpace(line[:i])+"="+strings.TrimSpace(line[i+1:]))
		}
	}
	return out, nil
}

package template

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"
)

// Preset names a starter horizon.toml layout.
type Preset string

const (
	PresetLaravel Preset = "laravel"
	PresetSimple  Preset = "simple"
	PresetLocal   Preset = "local"
)

// File is the subset of horizon.toml a starter config sets.
type File struct {
	Basename     string                  `toml:"basename,omitempty"`
	Environment  string                  `toml:"environment"`
	Master       Master                  `toml:"master"`
	Worker       Worker                  `toml:"worker"`
	Repository   Repository              `toml:"repository"`
	Redis        *Redis                  `toml:"redis,omitempty"`
	Defaults     []Supervisor            `toml:"defaults,omitempty"`
	Environments map[string][]Supervisor `toml:"environments"`
}

type Master struct {
	Tick          string `toml:"tick"`
	PurgeSchedule string `toml:"purge_schedule,omitempty"`
	PurgeSignal   string `toml:"purge_signal,omitempty"`
}

type Worker struct {
	Command   string   `toml:"command"`
	Signature string   `toml:"signature"`
	Env       []string `toml:"env,omitempty"`
}

type Repository struct {
	Driver string `toml:"driver"`
	TTL    string `toml:"ttl"`
}

type Redis struct {
	Addr string `toml:"addr"`
	DB   int    `toml:"db"`
}

// Supervisor is one plan entry. Zero values are left to config defaults.
type Supervisor struct {
	Name            string   `toml:"name"`
	Connection      string   `toml:"connection,omitempty"`
	Queue           []string `toml:"queue,omitempty"`
	Balance         string   `toml:"balance,omitempty"`
	MinProcesses    int      `toml:"min_processes,omitempty"`
	MaxProcesses    int      `toml:"max_processes,omitempty"`
	BalanceMaxShift int      `toml:"balance_max_shift,omitempty"`
	BalanceCooldown int      `toml:"balance_cooldown,omitempty"`
	Timeout         int      `toml:"timeout,omitempty"`
	Tries           int      `toml:"tries,omitempty"`
	Memory          int      `toml:"memory,omitempty"`
}

// Generator builds starter configs.
type Generator struct{}

// NewGenerator creates a new template generator
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate returns the starter config for preset.
func (g *Generator) Generate(preset Preset, basename string) (*File, error) {
	var f *File
	switch preset {
	case PresetLaravel, "":
		f = g.laravel()
	case PresetSimple:
		f = g.simple()
	case PresetLocal:
		f = g.local()
	default:
		return nil, fmt.Errorf("unknown preset: %s (supported: laravel, simple, local)", preset)
	}
	f.Basename = basename
	return f, nil
}

// GenerateTOML renders the starter config for preset.
func (g *Generator) GenerateTOML(preset Preset, basename string) ([]byte, error) {
	f, err := g.Generate(preset, basename)
	if err != nil {
		return nil, err
	}
	out, err := toml.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	return out, nil
}

// SupportedPresets returns the preset names accepted by Generate.
func (g *Generator) SupportedPresets() []string {
	return []string{string(PresetLaravel), string(PresetSimple), string(PresetLocal)}
}

func base(command string) *File {
	return &File{
		Environment: "production",
		Master:      Master{Tick: "1s", PurgeSignal: "SIGTERM"},
		Worker:      Worker{Command: command, Signature: "horizon:work"},
		Repository:  Repository{Driver: "redis", TTL: "15s"},
		Redis:       &Redis{Addr: "127.0.0.1:6379"},
	}
}

func (g *Generator) laravel() *File {
	f := base("php artisan horizon:work")
	f.Master.PurgeSchedule = "*/5 * * * *"
	f.Defaults = []Supervisor{{
		Name:         "supervisor-1",
		Connection:   "redis",
		Queue:        []string{"default"},
		Balance:      "auto",
		MaxProcesses: 1,
		Tries:        1,
		Timeout:      60,
		Memory:       128,
	}}
	f.Environments = map[string][]Supervisor{
		"production": {{Name: "supervisor-1", MaxProcesses: 10, BalanceMaxShift: 1, BalanceCooldown: 3}},
		"local":      {{Name: "supervisor-1", MaxProcesses: 3}},
	}
	return f
}

func (g *Generator) simple() *File {
	f := base("./worker")
	f.Environments = map[string][]Supervisor{
		"production": {{Name: "default", Queue: []string{"default", "low"}, Balance: "simple", MaxProcesses: 4, Timeout: 60}},
	}
	return f
}

func (g *Generator) local() *File {
	f := base("./worker")
	f.Environment = "local"
	f.Repository.Driver = "memory"
	f.Redis = nil
	f.Environments = map[string][]Supervisor{
		"local": {{Name: "default", Queue: []string{"default"}, MaxProcesses: 1}},
	}
	return f
}

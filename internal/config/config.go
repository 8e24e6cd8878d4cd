// Package config loads helmsman's YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kination/helmsman/internal/evaluator"
	"github.com/kination/helmsman/internal/logger"
	"github.com/kination/helmsman/internal/store"
)

// Config is the root of the configuration file
type Config struct {
	Log        logger.Config    `yaml:"log"`
	Evaluator  EvaluatorConfig  `yaml:"evaluator"`
	Translator TranslatorConfig `yaml:"translator"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Server     ServerConfig     `yaml:"server"`
}

// EvaluatorConfig mirrors evaluator.Config
type EvaluatorConfig struct {
	MaxReparseAttempts int           `yaml:"maxReparseAttempts"`
	MapParallelism     int           `yaml:"mapParallelism"`
	MaxNesting         int           `yaml:"maxNesting"`
	ExecuteTimeout     time.Duration `yaml:"executeTimeout"`
	MaxActiveTasks     int           `yaml:"maxActiveTasks"`
}

// TranslatorConfig selects the translation collaborator
type TranslatorConfig struct {
	// Command is run once per translation with the prompt on stdin
	Command string `yaml:"command"`

	// Replay lists recorded documents served in order instead of running Command
	Replay []string `yaml:"replay"`

	Timeout time.Duration `yaml:"timeout"`
}

// ExecutorConfig selects and configures execution backends
type ExecutorConfig struct {
	Default string      `yaml:"default"`
	Shell   ShellConfig `yaml:"shell"`
	Pod     PodConfig   `yaml:"pod"`
}

// ShellConfig configures the shell backend
type ShellConfig struct {
	Shell string `yaml:"shell"`
	Dir   string `yaml:"dir"`
}

// PodConfig configures the pod backend
type PodConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Image     string `yaml:"image"`
	KeepPods  bool   `yaml:"keepPods"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Addr string            `yaml:"addr"`
	Runs store.StoreConfig `yaml:"runs"`
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() Config {
	ev := evaluator.DefaultConfig()
	return Config{
		Log: logger.DefaultConfig(),
		Evaluator: EvaluatorConfig{
			MaxReparseAttempts: ev.MaxReparseAttempts,
			MapParallelism:     ev.MapParallelism,
			MaxNesting:         ev.MaxNesting,
			ExecuteTimeout:     ev.ExecuteTimeout,
		},
		Translator: TranslatorConfig{
			Timeout: 2 * time.Minute,
		},
		Executor: ExecutorConfig{
			Default: "shell",
			Shell:   ShellConfig{Shell: "/bin/sh"},
			Pod: PodConfig{
				Namespace: "default",
				Image:     "ubuntu:latest",
			},
		},
		Server: ServerConfig{Addr: ":8080", Runs: store.DefaultStoreConfig()},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("yaml parse error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings no component can honor
func (c Config) Validate() error {
	var errs []error
	if c.Evaluator.MaxReparseAttempts < 0 {
		errs = append(errs, errors.New("evaluator.maxReparseAttempts must not be negative"))
	}
	if c.Evaluator.MapParallelism < 0 {
		errs = append(errs, errors.New("evaluator.mapParallelism must not be negative"))
	}
	if c.Evaluator.ExecuteTimeout < 0 {
		errs = append(errs, errors.New("evaluator.executeTimeout must not be negative"))
	}
	if c.Translator.Command != "" && len(c.Translator.Replay) > 0 {
		errs = append(errs, errors.New("translator.command and translator.replay are mutually exclusive"))
	}
	switch c.Executor.Default {
	case "shell":
	case "pod":
		if !c.Executor.Pod.Enabled {
			errs = append(errs, errors.New("executor.default is pod but executor.pod.enabled is false"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown executor.default %q", c.Executor.Default))
	}
	if t := c.Server.Runs.Type; t != "" && t != store.StoreTypeMemory {
		errs = append(errs, fmt.Errorf("unknown server.runs.type %q", t))
	}
	return errors.Join(errs...)
}

// EvaluatorOptions converts the evaluator section
func (c Config) EvaluatorOptions() evaluator.Config {
	return evaluator.Config{
		MaxReparseAttempts: c.Evaluator.MaxReparseAttempts,
		MapParallelism:     c.Evaluator.MapParallelism,
		MaxNesting:         c.Evaluator.MaxNesting,
		ExecuteTimeout:     c.Evaluator.ExecuteTimeout,
		MaxActiveTasks:     c.Evaluator.MaxActiveTasks,
	}
}

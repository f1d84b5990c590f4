// Package config loads relay and station configuration: an optional
// YAML file with environment variables taking precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Relay is the relay process configuration.
type Relay struct {
	Port            int    `yaml:"port"`
	PublicHost      string `yaml:"public_host"`
	PublicProtocol  string `yaml:"public_protocol"`
	RegistrationKey string `yaml:"registration_api_key"`
	BandwidthRate   int    `yaml:"bandwidth_rate"`
	LogLevel        string `yaml:"log_level"`
	LogFile         string `yaml:"log_file"`
}

// LoadRelay reads the optional YAML file at path (empty path skips
// it), then applies the environment on top.
func LoadRelay(path string) (*Relay, error) {
	cfg := &Relay{
		Port:           8000,
		PublicProtocol: "http",
	}
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("PORT: %w", err)
		}
		cfg.Port = port
	}
	setString(&cfg.PublicHost, "PUBLIC_HOST")
	setString(&cfg.PublicProtocol, "PUBLIC_PROTOCOL")
	setString(&cfg.RegistrationKey, "TUNNEL_REGISTRATION_API_KEY")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFile, "LOG_FILE")
	if v := os.Getenv("BANDWIDTH_RATE"); v != "" {
		rate, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("BANDWIDTH_RATE: %w", err)
		}
		cfg.BandwidthRate = rate
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Relay) Validate() error {
	if c.RegistrationKey == "" {
		return fmt.Errorf("TUNNEL_REGISTRATION_API_KEY is required")
	}
	if c.PublicProtocol != "http" && c.PublicProtocol != "https" {
		return fmt.Errorf("PUBLIC_PROTOCOL must be http or https")
	}
	return nil
}

// Station is the workstation agent configuration.
type Station struct {
	RelayURL        string `yaml:"relay_url"`
	RegistrationKey string `yaml:"registration_api_key"`
	TunnelName      string `yaml:"tunnel_name"`

	Shell        string `yaml:"shell"`
	WorkRootPath string `yaml:"work_root_path"`

	ClaudeBin       string   `yaml:"claude_headless_bin"`
	CursorBin       string   `yaml:"cursor_headless_bin"`
	ClaudeExtraArgs []string `yaml:"claude_headless_extra_args"`
	CursorExtraArgs []string `yaml:"cursor_headless_extra_args"`
	ClaudeResume    string   `yaml:"claude_resume_flag"`
	HeadlessTimeout time.Duration

	HeadlessTimeoutSeconds int `yaml:"headless_timeout_seconds"`

	AgentProvider    string  `yaml:"agent_provider"`
	AgentAPIKey      string  `yaml:"agent_api_key"`
	AgentModelName   string  `yaml:"agent_model_name"`
	AgentBaseURL     string  `yaml:"agent_base_url"`
	AgentTemperature float32 `yaml:"agent_temperature"`

	HistoryPath string `yaml:"history_path"`
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
}

// LoadStation reads the optional YAML file at path, then the
// environment on top.
func LoadStation(path string) (*Station, error) {
	cfg := &Station{}
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	setString(&cfg.RelayURL, "RELAY_URL")
	setString(&cfg.RegistrationKey, "TUNNEL_REGISTRATION_API_KEY")
	setString(&cfg.TunnelName, "TUNNEL_NAME")
	setString(&cfg.Shell, "SHELL")
	setString(&cfg.WorkRootPath, "WORK_ROOT_PATH")
	setString(&cfg.ClaudeBin, "CLAUDE_HEADLESS_BIN")
	setString(&cfg.CursorBin, "CURSOR_HEADLESS_BIN")
	setString(&cfg.ClaudeResume, "CLAUDE_RESUME_FLAG")
	setArgs(&cfg.ClaudeExtraArgs, "CLAUDE_HEADLESS_EXTRA_ARGS")
	setArgs(&cfg.CursorExtraArgs, "CURSOR_HEADLESS_EXTRA_ARGS")
	setString(&cfg.AgentProvider, "AGENT_PROVIDER")
	setString(&cfg.AgentAPIKey, "AGENT_API_KEY")
	setString(&cfg.AgentModelName, "AGENT_MODEL_NAME")
	setString(&cfg.AgentBaseURL, "AGENT_BASE_URL")
	setString(&cfg.HistoryPath, "HISTORY_PATH")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFile, "LOG_FILE")

	if v := os.Getenv("AGENT_TEMPERATURE"); v != "" {
		temp, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return nil, fmt.Errorf("AGENT_TEMPERATURE: %w", err)
		}
		cfg.AgentTemperature = float32(temp)
	}
	if v := os.Getenv("HEADLESS_TIMEOUT_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("HEADLESS_TIMEOUT_SECONDS: %w", err)
		}
		cfg.HeadlessTimeoutSeconds = secs
	}
	if cfg.HeadlessTimeoutSeconds > 0 {
		cfg.HeadlessTimeout = time.Duration(cfg.HeadlessTimeoutSeconds) * time.Second
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Station) Validate() error {
	if c.RelayURL == "" {
		return fmt.Errorf("RELAY_URL is required")
	}
	if c.RegistrationKey == "" {
		return fmt.Errorf("TUNNEL_REGISTRATION_API_KEY is required")
	}
	if c.WorkRootPath != "" {
		info, err := os.Stat(c.WorkRootPath)
		if err != nil {
			return fmt.Errorf("WORK_ROOT_PATH: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("WORK_ROOT_PATH is not a directory")
		}
	}
	return nil
}

func readYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setArgs(dst *[]string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = strings.Fields(v)
	}
}

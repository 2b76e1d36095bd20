/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"epaperstore/internal/domain"
)

// AppConfig is the user-editable configuration persisted to a YAML file in the user scope.
// Environment variables are treated as read-only overrides at runtime.
//
// config_version: bump when the structure changes in a backward-incompatible way.
// Unknown fields are ignored on unmarshal.

type StorageConfig struct {
	DataDir           string `yaml:"data_dir"`
	BackupGenerations int    `yaml:"backup_generations"`
	Compression       string `yaml:"compression"` // "zstd" | "none"
	OpTimeoutMs       int    `yaml:"op_timeout_ms"`
	WriteParallelism  int    `yaml:"write_parallelism"`
}

type PreviewConfig struct {
	MaxWidth    int `yaml:"max_width"`
	MaxHeight   int `yaml:"max_height"`
	JPEGQuality int `yaml:"jpeg_quality"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Source bool   `yaml:"source"`
	File   string `yaml:"file"`
}

// EditionConfig is one catalog entry. The catalog is read-only for the engine.
type EditionConfig struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Pages int    `yaml:"pages"`
}

type AppConfig struct {
	ConfigVersion int             `yaml:"config_version"`
	Storage       StorageConfig   `yaml:"storage"`
	Previews      PreviewConfig   `yaml:"previews"`
	Server        ServerConfig    `yaml:"server"`
	Logging       LoggingConfig   `yaml:"logging"`
	Editions      []EditionConfig `yaml:"editions"`
}

// Defaults returns the application defaults.
func Defaults() AppConfig {
	return AppConfig{
		ConfigVersion: 1,
		Storage: StorageConfig{
			DataDir:           defaultDataDir(),
			BackupGenerations: 5,
			Compression:       "zstd",
			OpTimeoutMs:       30000,
			WriteParallelism:  4,
		},
		Previews: PreviewConfig{MaxWidth: 240, MaxHeight: 320, JPEGQuality: 70},
		Server:   ServerConfig{Addr: "127.0.0.1:8087"},
		Logging:  LoggingConfig{Level: "info", Format: "console", Source: false, File: ""},
	}
}

// Env var names used as overrides.
const (
	EnvDataDir           = "EPAPER_DATA_DIR"
	EnvBackupGenerations = "EPAPER_BACKUP_GENERATIONS"
	EnvCompression       = "EPAPER_BLOB_COMPRESSION"
	EnvOpTimeoutMs       = "EPAPER_OP_TIMEOUT_MS"
	EnvServerAddr        = "EPAPER_SERVER_ADDR"
	// EnvLogLevel Logging envs
	EnvLogLevel  = "EPAPER_LOG_LEVEL"
	EnvLogFormat = "EPAPER_LOG_FORMAT"
	EnvLogSource = "EPAPER_LOG_SOURCE"
	EnvLogFile   = "EPAPER_LOG_FILE"
	// EnvConfigPath replaces the per-user config file location.
	EnvConfigPath = "EPAPER_CONFIG"
)

func userBaseDir(kind string) string {
	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("AppData")
		if base == "" { // fallback
			base = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
		return filepath.Join(base, "EPaper")
	case "darwin":
		return filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "EPaper")
	default: // linux and others
		if kind == "data" {
			if x := os.Getenv("XDG_DATA_HOME"); x != "" {
				return filepath.Join(x, "epaper")
			}
			return filepath.Join(os.Getenv("HOME"), ".local", "share", "epaper")
		}
		if x := os.Getenv("XDG_CONFIG_HOME"); x != "" {
			return filepath.Join(x, "epaper")
		}
		return filepath.Join(os.Getenv("HOME"), ".config", "epaper")
	}
}

func defaultDataDir() string { return filepath.Join(userBaseDir("data"), "store") }

// ConfigPath returns the per-user config file path.
func ConfigPath() (string, error) {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p, nil
	}
	base := userBaseDir("config")
	if base == "" {
		return "", errors.New("cannot resolve config directory")
	}
	return filepath.Join(base, "config.yaml"), nil
}

// Load reads the user config file (if present), applies defaults, and merges environment overrides.
func Load() (AppConfig, error) {
	path, err := ConfigPath()
	if err != nil {
		return Defaults(), err
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit file path. A missing file is not an error;
// a malformed one is.
func LoadFile(path string) (AppConfig, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var fileCfg AppConfig
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
		mergeInto(&cfg, &fileCfg)
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// Save writes the user config YAML.
func Save(path string, cfg AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func mergeInto(dst *AppConfig, src *AppConfig) {
	if src.ConfigVersion != 0 {
		dst.ConfigVersion = src.ConfigVersion
	}
	// storage
	if strings.TrimSpace(src.Storage.DataDir) != "" {
		dst.Storage.DataDir = expandHome(strings.TrimSpace(src.Storage.DataDir))
	}
	if src.Storage.BackupGenerations > 0 {
		dst.Storage.BackupGenerations = src.Storage.BackupGenerations
	}
	if v := strings.ToLower(strings.TrimSpace(src.Storage.Compression)); v != "" {
		dst.Storage.Compression = v
	}
	if src.Storage.OpTimeoutMs != 0 {
		dst.Storage.OpTimeoutMs = src.Storage.OpTimeoutMs
	}
	if src.Storage.WriteParallelism > 0 {
		dst.Storage.WriteParallelism = src.Storage.WriteParallelism
	}
	// previews
	if src.Previews.MaxWidth > 0 {
		dst.Previews.MaxWidth = src.Previews.MaxWidth
	}
	if src.Previews.MaxHeight > 0 {
		dst.Previews.MaxHeight = src.Previews.MaxHeight
	}
	if src.Previews.JPEGQuality > 0 {
		dst.Previews.JPEGQuality = src.Previews.JPEGQuality
	}
	if strings.TrimSpace(src.Server.Addr) != "" {
		dst.Server.Addr = strings.TrimSpace(src.Server.Addr)
	}
	// logging
	if strings.TrimSpace(src.Logging.Level) != "" {
		dst.Logging.Level = strings.ToLower(strings.TrimSpace(src.Logging.Level))
	}
	if strings.TrimSpace(src.Logging.Format) != "" {
		dst.Logging.Format = strings.ToLower(strings.TrimSpace(src.Logging.Format))
	}
	dst.Logging.Source = src.Logging.Source
	if strings.TrimSpace(src.Logging.File) != "" {
		dst.Logging.File = expandHome(strings.TrimSpace(src.Logging.File))
	}
	if len(src.Editions) > 0 {
		dst.Editions = append([]EditionConfig(nil), src.Editions...)
	}
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvDataDir)); v != "" {
		cfg.Storage.DataDir = expandHome(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvBackupGenerations)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Storage.BackupGenerations = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvCompression)); v != "" {
		cfg.Storage.Compression = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvOpTimeoutMs)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Storage.OpTimeoutMs = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvServerAddr)); v != "" {
		cfg.Server.Addr = v
	}
	// logging overrides
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogSource)); v != "" {
		cfg.Logging.Source = parseBool(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFile)); v != "" {
		cfg.Logging.File = v
	}
}

func parseBool(v string) bool {
	lv := strings.ToLower(strings.TrimSpace(v))
	return lv == "1" || lv == "true" || lv == "on" || lv == "yes"
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// EnvOverrideFor returns the env var name if the field is overridden by environment variables.
func EnvOverrideFor(key string) (string, bool) {
	names := map[string]string{
		"storage.data_dir":           EnvDataDir,
		"storage.backup_generations": EnvBackupGenerations,
		"storage.compression":        EnvCompression,
		"storage.op_timeout_ms":      EnvOpTimeoutMs,
		"server.addr":                EnvServerAddr,
		"logging.level":              EnvLogLevel,
		"logging.format":             EnvLogFormat,
		"logging.source":             EnvLogSource,
		"logging.file":               EnvLogFile,
	}
	env, ok := names[key]
	if !ok || os.Getenv(env) == "" {
		return "", false
	}
	return env, true
}

// Compress reports whether page payloads are stored zstd-compressed.
func (s StorageConfig) Compress() bool { return s.Compression != "none" }

// OpTimeout returns the per-operation timeout; zero disables it.
func (s StorageConfig) OpTimeout() time.Duration {
	if s.OpTimeoutMs < 0 {
		return 0
	}
	if s.OpTimeoutMs == 0 {
		return time.Duration(Defaults().Storage.OpTimeoutMs) * time.Millisecond
	}
	return time.Duration(s.OpTimeoutMs) * time.Millisecond
}

// Catalog builds the static editions catalog from the configured entries.
func (c AppConfig) Catalog() *domain.StaticCatalog {
	eds := make([]domain.Edition, 0, len(c.Editions))
	for _, e := range c.Editions {
		eds = append(eds, domain.Edition{ID: e.ID, Name: e.Name, Pages: e.Pages})
	}
	return domain.NewStaticCatalog(eds...)
}

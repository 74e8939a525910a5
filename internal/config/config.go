// Package config loads patchkit settings.
//
// Sources are layered, later ones overriding earlier ones:
//
//  1. Defaults
//  2. YAML config file (unknown keys are rejected)
//  3. .env file
//  4. PATCHKIT_* environment variables
//  5. command-line flags (applied by the caller)
//
// A variable set in the process environment wins over the same variable in
// the .env file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable patchkit reads.
const EnvPrefix = "PATCHKIT_"

// Config holds every setting patchkit reads.
type Config struct {
	// BackupDir holds the compressed backup objects.
	BackupDir string `yaml:"backup_dir"`

	// LedgerPath is the SQLite history database.
	LedgerPath string `yaml:"ledger_path"`

	// TargetExtensions limits which files batch items may touch.
	// An empty list accepts every file.
	TargetExtensions []string `yaml:"target_extensions"`

	// PatchExtensions are the patch file names accepted without a warning.
	PatchExtensions []string `yaml:"patch_extensions"`

	// CompressionLevel is the zstd level (1-22) for new backups.
	CompressionLevel int `yaml:"compression_level"`

	// ExtractTool is the external command used by extract batch items.
	// Empty disables extraction.
	ExtractTool string `yaml:"extract_tool"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// DefaultHome returns the directory holding patchkit state by default:
// $PATCHKIT_HOME, or ~/.patchkit.
func DefaultHome(lookup func(string) (string, bool)) string {
	if v, ok := lookup(EnvPrefix + "HOME"); ok && v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".patchkit"
	}
	return filepath.Join(home, ".patchkit")
}

// Defaults returns the built-in settings rooted at home.
func Defaults(home string) Config {
	return Config{
		BackupDir:        filepath.Join(home, "backups"),
		LedgerPath:       filepath.Join(home, "ledger.db"),
		TargetExtensions: []string{".wad", ".wbfs", ".iso"},
		PatchExtensions:  []string{".ips", ".bps", ".patch", ".pkcp"},
		CompressionLevel: 3,
		ExtractTool:      "wit",
		LogLevel:         "info",
	}
}

// DecodeYAML overlays the YAML document in r onto base. Keys not present in
// the document keep their base value; unknown keys are an error. An empty
// document returns base unchanged.
func DecodeYAML(r io.Reader, base Config) (Config, error) {
	cfg := base
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return base, nil
		}
		return base, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto base.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, err
	}
	cfg, err := DecodeYAML(bytes.NewReader(data), base)
	if err != nil {
		return base, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays PATCHKIT_* variables found by lookup onto base.
//
// List variables are split on commas and whitespace; a variable that is set
// but empty clears the list.
func ApplyEnv(base Config, lookup func(string) (string, bool)) (Config, error) {
	cfg := base
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = splitList(v)
		}
	}

	str("BACKUP_DIR", &cfg.BackupDir)
	str("LEDGER_PATH", &cfg.LedgerPath)
	str("EXTRACT_TOOL", &cfg.ExtractTool)
	str("LOG_LEVEL", &cfg.LogLevel)
	list("TARGET_EXTENSIONS", &cfg.TargetExtensions)
	list("PATCH_EXTENSIONS", &cfg.PatchExtensions)

	if v, ok := lookup(EnvPrefix + "COMPRESSION_LEVEL"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return base, fmt.Errorf("%sCOMPRESSION_LEVEL: %w", EnvPrefix, err)
		}
		cfg.CompressionLevel = n
	}
	return cfg, nil
}

func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

// Validate checks that cfg is usable.
func Validate(cfg Config) error {
	var errs []error
	if strings.TrimSpace(cfg.BackupDir) == "" {
		errs = append(errs, errors.New("backup_dir is required"))
	}
	if strings.TrimSpace(cfg.LedgerPath) == "" {
		errs = append(errs, errors.New("ledger_path is required"))
	}
	if cfg.CompressionLevel < 1 || cfg.CompressionLevel > 22 {
		errs = append(errs, fmt.Errorf("compression_level must be between 1 and 22, got %d", cfg.CompressionLevel))
	}
	if _, err := ParseLogLevel(cfg.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseLogLevel converts a log_level setting to a slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("log_level %q: must be debug, info, warn, or error", s)
	}
	return level, nil
}

// LoadOptions selects the sources Load reads.
type LoadOptions struct {
	// ConfigPath is an explicit config file. It must exist when set.
	// When empty, $PATCHKIT_CONFIG or <home>/config.yaml is used if present.
	ConfigPath string

	// EnvFile is the dotenv file to read. Empty means ".env" in the working
	// directory. A missing file is ignored.
	EnvFile string

	// Lookup reads the process environment. Defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

// Load builds the effective configuration from defaults, the config file,
// the .env file, and the environment, then validates it.
func Load(opts LoadOptions) (Config, error) {
	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	dotenv, err := godotenv.Read(envFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}
	layered := func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}

	home := DefaultHome(layered)
	cfg := Defaults(home)

	path, required := opts.ConfigPath, true
	if path == "" {
		if v, ok := layered(EnvPrefix + "CONFIG"); ok && v != "" {
			path = v
		} else {
			path, required = filepath.Join(home, "config.yaml"), false
		}
	}
	cfg, err = LoadFile(path, cfg)
	if err != nil && (required || !errors.Is(err, fs.ErrNotExist)) {
		return Config{}, err
	}

	if cfg, err = ApplyEnv(cfg, layered); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

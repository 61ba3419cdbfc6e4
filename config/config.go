package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/ini.v1"
)

// Concurrency policies for mutating operations on the same mount directory.
const (
	PolicyFailFast = "fail-fast"
	PolicyWait     = "wait"
)

// DISM exit codes that mean the image is still held open by something.
const (
	ExitDismUnmountIncomplete = 0xC1420117
	ExitResourceInUse         = 0x800700AA
)

// Config holds wimctl configuration
type Config struct {
	Profile string

	// Servicing tool
	Backend         string // dism, wimlib or mock
	ToolPath        string
	ImageIndex      int
	ToolTimeout     time.Duration
	LockedExitCodes []uint32

	// Lock recovery
	RetryDelay        time.Duration
	RemovalAttempts   int
	RemovalRetryDelay time.Duration
	ProcessFamily     []string

	// Preconditions
	FreeSpaceMultiple float64
	MinimumFreeSpace  int64
	MediaRequired     []string

	ConcurrencyPolicy string
	CleanupWorkers    int

	LogsPath string
	Debug    bool

	// Database settings
	Database struct {
		Path string // Default: <state dir>/history.db
	}

	// keys read from a file, so an explicit zero is not replaced by a default
	explicit map[string]bool
}

// DefaultConfigFile returns the config file used when no directory is given.
func DefaultConfigFile() string {
	if runtime.GOOS == "windows" {
		base := os.Getenv("ProgramData")
		if base == "" {
			base = `C:\ProgramData`
		}
		return filepath.Join(base, "wimctl", "wimctl.ini")
	}
	return "/etc/wimctl/wimctl.ini"
}

// Default returns a configuration with every default applied and no file read.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads configuration from file
func LoadConfig(configDir, profile string) (*Config, error) {
	cfg := &Config{Profile: profile}

	configFile := DefaultConfigFile()
	if configDir != "" {
		configFile = filepath.Join(configDir, "wimctl.ini")
	}

	if _, err := os.Stat(configFile); err == nil {
		iniFile, err := ini.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}

		globalSec := globalSection(iniFile)

		// If no profile specified, read the selection from the global section
		if cfg.Profile == "" || cfg.Profile == "default" {
			if globalSec != nil && globalSec.HasKey("profile_selected") {
				cfg.Profile = globalSec.Key("profile_selected").String()
			}
		}

		// Profile values win, the global section fills whatever is left
		if cfg.Profile != "" && iniFile.HasSection(cfg.Profile) {
			if err := cfg.loadFromSection(iniFile.Section(cfg.Profile)); err != nil {
				return nil, fmt.Errorf("profile %s: %w", cfg.Profile, err)
			}
		}
		if globalSec != nil {
			if err := cfg.loadFromSection(globalSec); err != nil {
				return nil, fmt.Errorf("global configuration: %w", err)
			}
		}
	} else if configDir != "" {
		fmt.Fprintf(os.Stderr, "Warning: No config file found at %s, using defaults\n", configFile)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func globalSection(f *ini.File) *ini.Section {
	for _, name := range []string{"Global Configuration", "global configuration", "Global"} {
		if f.HasSection(name) {
			return f.Section(name)
		}
	}
	return nil
}

// loadFromSection loads config values from an INI section. Values already set
// by an earlier section are kept.
func (cfg *Config) loadFromSection(sec *ini.Section) error {
	if sec == nil {
		return nil
	}

	str := func(name string) string {
		if !sec.HasKey(name) {
			return ""
		}
		return strings.TrimSpace(sec.Key(name).String())
	}

	if v := str("Servicing_backend"); v != "" && cfg.Backend == "" {
		cfg.Backend = strings.ToLower(v)
	}
	if v := str("Servicing_tool"); v != "" && cfg.ToolPath == "" {
		cfg.ToolPath = v
	}
	if v := str("Image_index"); v != "" && cfg.ImageIndex == 0 {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("Image_index: invalid value %q", v)
		}
		cfg.ImageIndex = n
	}
	if v := str("Locked_exit_codes"); v != "" && cfg.LockedExitCodes == nil {
		codes, err := ParseExitCodes(v)
		if err != nil {
			return fmt.Errorf("Locked_exit_codes: %w", err)
		}
		cfg.LockedExitCodes = codes
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"Tool_timeout", &cfg.ToolTimeout},
		{"Retry_delay", &cfg.RetryDelay},
		{"Removal_retry_delay", &cfg.RemovalRetryDelay},
	}
	for _, d := range durations {
		v := str(d.key)
		if v == "" || cfg.explicit[d.key] {
			continue
		}
		parsed, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
		cfg.markExplicit(d.key)
	}

	if v := str("Removal_attempts"); v != "" && cfg.RemovalAttempts == 0 {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("Removal_attempts: invalid value %q", v)
		}
		cfg.RemovalAttempts = n
	}
	if v := str("Process_family"); v != "" && cfg.ProcessFamily == nil {
		cfg.ProcessFamily = splitList(v)
	}

	if v := str("Free_space_multiple"); v != "" && cfg.FreeSpaceMultiple == 0 {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return fmt.Errorf("Free_space_multiple: invalid value %q", v)
		}
		cfg.FreeSpaceMultiple = f
	}
	if v := str("Minimum_free_space"); v != "" && cfg.MinimumFreeSpace == 0 {
		size, err := units.RAMInBytes(v)
		if err != nil {
			return fmt.Errorf("Minimum_free_space: %w", err)
		}
		cfg.MinimumFreeSpace = size
	}
	if v := str("Media_required"); v != "" && cfg.MediaRequired == nil {
		cfg.MediaRequired = splitList(v)
	}

	if v := str("Concurrency_policy"); v != "" && cfg.ConcurrencyPolicy == "" {
		v = strings.ToLower(v)
		if v != PolicyFailFast && v != PolicyWait {
			return fmt.Errorf("Concurrency_policy: must be %s or %s, got %q", PolicyFailFast, PolicyWait, v)
		}
		cfg.ConcurrencyPolicy = v
	}
	if v := str("Cleanup_workers"); v != "" && cfg.CleanupWorkers == 0 {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CleanupWorkers = n
		}
	}

	if v := str("Directory_logs"); v != "" && cfg.LogsPath == "" {
		cfg.LogsPath = v
	}
	if v := str("Database_path"); v != "" && cfg.Database.Path == "" {
		cfg.Database.Path = v
	}
	if v := str("Debug"); v != "" {
		cfg.Debug = cfg.Debug || parseBool(v)
	}
	return nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Backend == "" {
		cfg.Backend = "wimlib"
		if runtime.GOOS == "windows" {
			cfg.Backend = "dism"
		}
	}
	if cfg.ToolPath == "" {
		switch cfg.Backend {
		case "dism":
			cfg.ToolPath = "dism.exe"
		case "wimlib":
			cfg.ToolPath = "wimlib-imagex"
		}
	}
	if cfg.ImageIndex == 0 {
		cfg.ImageIndex = 1
	}
	if cfg.ToolTimeout == 0 && !cfg.explicit["Tool_timeout"] {
		cfg.ToolTimeout = 300 * time.Second
	}
	if cfg.LockedExitCodes == nil {
		cfg.LockedExitCodes = []uint32{ExitDismUnmountIncomplete, ExitResourceInUse}
	}
	if cfg.RetryDelay == 0 && !cfg.explicit["Retry_delay"] {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.RemovalAttempts == 0 {
		cfg.RemovalAttempts = 3
	}
	if cfg.RemovalRetryDelay == 0 && !cfg.explicit["Removal_retry_delay"] {
		cfg.RemovalRetryDelay = time.Second
	}
	if cfg.FreeSpaceMultiple == 0 {
		cfg.FreeSpaceMultiple = 2
	}
	if cfg.MinimumFreeSpace == 0 {
		cfg.MinimumFreeSpace = units.GiB
	}
	if cfg.MediaRequired == nil {
		cfg.MediaRequired = []string{"bootmgr", "Boot/BCD", "Boot/etfsboot.com", "sources/boot.wim"}
	}
	if cfg.ConcurrencyPolicy == "" {
		cfg.ConcurrencyPolicy = PolicyFailFast
	}
	if cfg.CleanupWorkers == 0 {
		cfg.CleanupWorkers = runtime.NumCPU()
		if cfg.CleanupWorkers > 8 {
			cfg.CleanupWorkers = 8
		}
	}

	base := stateDir()
	if cfg.LogsPath == "" {
		cfg.LogsPath = filepath.Join(base, "logs")
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(base, "history.db")
	}
}

func (cfg *Config) markExplicit(key string) {
	if cfg.explicit == nil {
		cfg.explicit = make(map[string]bool)
	}
	cfg.explicit[key] = true
}

func stateDir() string {
	if dir, err := os.UserCacheDir(); err == nil && dir != "" {
		return filepath.Join(dir, "wimctl")
	}
	return filepath.Join(os.TempDir(), "wimctl")
}

// ParseExitCodes parses a comma separated list of decimal or 0x-prefixed
// exit codes. Codes are kept as the unsigned 32-bit process status so that
// HRESULT style values compare equal on every architecture.
func ParseExitCodes(s string) ([]uint32, error) {
	var codes []uint32
	for _, field := range splitList(s) {
		n, err := strconv.ParseUint(field, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid exit code %q", field)
		}
		codes = append(codes, uint32(n))
	}
	return codes, nil
}

// parseDuration accepts Go durations ("90s", "2m") and bare seconds ("30").
func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, field := range strings.Split(s, ",") {
		if field = strings.TrimSpace(field); field != "" {
			out = append(out, field)
		}
	}
	return out
}

func parseBool(s string) bool {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	switch strings.ToLower(s) {
	case "yes", "on":
		return true
	}
	return false
}

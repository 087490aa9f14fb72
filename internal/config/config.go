package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the sync server. Values come from an
// optional YAML file (MELOSYNC_CONFIG), then environment variables, which
// take precedence over the file.
type Config struct {
	// BindAddr is the listen address for the HTTP/WebSocket server.
	BindAddr string `env:"BIND_ADDR" yaml:"bindAddr" envDefault:":9527"`

	// ServerName is reported to clients in the hello response.
	ServerName string `env:"SERVER_NAME" yaml:"serverName" envDefault:"melosync"`

	// DataDir is the root directory holding per-user data paths.
	DataDir string `env:"DATA_DIR" yaml:"dataDir" envDefault:"data"`

	// StateFile is the bbolt database holding server-level state (backup
	// scan hashes, sync log). Kept outside DataDir so the backup scanner
	// never picks it up.
	StateFile string `env:"STATE_FILE" yaml:"stateFile"`

	// UsersFile is the JSON file listing users. Watched for edits and
	// reloaded at runtime.
	UsersFile string `env:"USERS_FILE" yaml:"usersFile"`

	// MaxSnapshotNum bounds each user's snapshot history. Users may
	// override it per-user in the users file.
	MaxSnapshotNum int `env:"MAX_SNAPSHOT_NUM" yaml:"maxSnapshotNum" envDefault:"10"`

	// Connection modes. User-path mode serves /<user>/... routes; root
	// mode additionally allows un-prefixed routes, resolving the user by
	// scanning all device registrations. At least one must be enabled.
	EnableUserPath bool `env:"ENABLE_USER_PATH" yaml:"enableUserPath" envDefault:"true"`
	EnableRootPath bool `env:"ENABLE_ROOT_PATH" yaml:"enableRootPath" envDefault:"false"`

	// Remote backup store (WebDAV). Backup is disabled until all three
	// are set.
	WebDAVURL      string `env:"WEBDAV_URL" yaml:"webdavUrl"`
	WebDAVUsername string `env:"WEBDAV_USERNAME" yaml:"webdavUsername"`
	WebDAVPassword string `env:"WEBDAV_PASSWORD" yaml:"webdavPassword"`

	// SyncInterval is how often the backup engine rescans the data
	// directory for changed files. BackupInterval is how often a full
	// archive backup runs.
	SyncInterval   time.Duration `env:"SYNC_INTERVAL" yaml:"syncInterval" envDefault:"1m"`
	BackupInterval time.Duration `env:"BACKUP_INTERVAL" yaml:"backupInterval" envDefault:"24h"`

	// MaxBackups is how many remote archive backups to retain.
	MaxBackups int `env:"MAX_BACKUPS" yaml:"maxBackups" envDefault:"5"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" yaml:"environment" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has overly
// permissive permissions. On Unix systems, group or world readable files
// risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration. It first attempts to load a .env file if
// present, then an optional YAML config file named by MELOSYNC_CONFIG,
// then parses environment variables over the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}

	if path := os.Getenv("MELOSYNC_CONFIG"); path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve DataDir up front. The backup engine and the per-user stores
	// compare relative paths against it, which only works reliably with an
	// absolute root.
	absDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir to absolute path: %w", err)
	}
	cfg.DataDir = absDir

	if cfg.UsersFile == "" {
		cfg.UsersFile = filepath.Join(cfg.DataDir, "users.json")
	}
	if cfg.StateFile == "" {
		cfg.StateFile = filepath.Join(filepath.Dir(cfg.DataDir), "state.db")
	}

	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) validate() error {
	if !c.EnableUserPath && !c.EnableRootPath {
		return fmt.Errorf("at least one of ENABLE_USER_PATH or ENABLE_ROOT_PATH must be true")
	}

	if c.MaxSnapshotNum < 1 {
		return fmt.Errorf("MAX_SNAPSHOT_NUM must be at least 1")
	}

	if c.MaxBackups < 1 {
		return fmt.Errorf("MAX_BACKUPS must be at least 1")
	}

	if c.SyncInterval <= 0 || c.BackupInterval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL and BACKUP_INTERVAL must be positive")
	}

	return nil
}

// WebDAVConfigured reports whether all remote backup settings are present.
func (c *Config) WebDAVConfigured() bool {
	return c.WebDAVURL != "" && c.WebDAVUsername != "" && c.WebDAVPassword != ""
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

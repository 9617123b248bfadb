// Package config loads the daemon's on-disk configuration: the backend
// list and tunables that would otherwise have to be threaded through
// cobra flags one at a time. Per-backend secrets follow an env-var-
// first override order (environment, then the file's own field),
// layered on top of a YAML file for everything else.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shardvault/shardvault/modules"
)

const (
	envDataDir   = "SHARDVAULT_DATA_DIR"
	envSecretKey = "SHARDVAULT_SECRET_KEY_" // + backend ID, uppercased
)

// BackendConfig is one S3-compatible endpoint to register on startup.
// SecretKey is normally left blank in the file on disk and supplied
// through SHARDVAULT_SECRET_KEY_<ID> instead; a non-empty value here is
// only honored when that env var isn't set, for local dev.
type BackendConfig struct {
	ID          string `yaml:"id"`
	Endpoint    string `yaml:"endpoint"`
	AccessKey   string `yaml:"access_key"`
	SecretKey   string `yaml:"secret_key,omitempty"`
	MaxCapacity int64  `yaml:"max_capacity"`
}

// Backend resolves a BackendConfig into a modules.Backend, pulling
// SecretKey from the environment first.
func (bc BackendConfig) Backend() modules.Backend {
	secret := os.Getenv(envSecretKey + strings.ToUpper(bc.ID))
	if secret == "" {
		secret = bc.SecretKey
	}
	maxCap := bc.MaxCapacity
	if maxCap == 0 {
		maxCap = modules.DefaultMaxCapacity
	}
	return modules.Backend{
		ID:          bc.ID,
		Endpoint:    bc.Endpoint,
		AccessKey:   bc.AccessKey,
		SecretKey:   secret,
		Status:      modules.BackendOnline,
		MaxCapacity: maxCap,
	}
}

// Config is the coordinator's full configuration, loaded from a single
// YAML file.
type Config struct {
	Bucket    string `yaml:"bucket"`
	ChunkSize int    `yaml:"chunk_size"`
	Secure    bool   `yaml:"secure"`
	Debug     bool   `yaml:"debug"`

	DiskCacheBytes  int64 `yaml:"disk_cache_bytes"`
	ChunkCacheBytes int64 `yaml:"chunk_cache_bytes"`

	ReadBPS    int64  `yaml:"read_bps"`
	WriteBPS   int64  `yaml:"write_bps"`
	PacketSize uint64 `yaml:"packet_size"`

	Backends []BackendConfig `yaml:"backends"`

	// dataDir is resolved at Load time, not read from the file: the
	// data directory is an environment/flag concern, not a config one.
	dataDir string
}

// Load reads and validates a Config from path, applying defaults for
// any field left unset in the file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	c.dataDir = DataDir()
	c.setDefaults()

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) setDefaults() {
	if c.Bucket == "" {
		c.Bucket = "shardvault-chunks"
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = modules.DefaultChunkSize
	}
	if c.DiskCacheBytes == 0 {
		c.DiskCacheBytes = 10 << 30 // 10 GiB
	}
	if c.ChunkCacheBytes == 0 {
		c.ChunkCacheBytes = 1 << 30 // 1 GiB
	}
}

// Validate reports the first configuration error found: an empty
// backend list, a duplicate backend ID, or a backend missing its
// endpoint/access key.
func (c Config) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("config: at least one backend is required")
	}
	seen := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("config: backend entry missing id")
		}
		if seen[b.ID] {
			return fmt.Errorf("config: duplicate backend id %q", b.ID)
		}
		seen[b.ID] = true
		if b.Endpoint == "" {
			return fmt.Errorf("config: backend %q missing endpoint", b.ID)
		}
		if b.AccessKey == "" {
			return fmt.Errorf("config: backend %q missing access_key", b.ID)
		}
	}
	return nil
}

// DataDir returns the coordinator's data directory: the
// SHARDVAULT_DATA_DIR environment variable if set, otherwise an
// OS-appropriate default under the user's home directory.
func DataDir() string {
	if dir := os.Getenv(envDataDir); dir != "" {
		return dir
	}
	return defaultDataDir()
}

func defaultDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "Shardvault")
	case "darwin":
		return filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "Shardvault")
	default:
		return filepath.Join(os.Getenv("HOME"), ".shardvault")
	}
}

// DataDir returns the directory this Config resolved at Load time.
func (c Config) DataDir() string { return c.dataDir }

// DBPath, WALPath, and DiskCacheDir lay out the coordinator's on-disk
// state under DataDir, one well-known subpath per persisted component.
func (c Config) DBPath() string       { return filepath.Join(c.dataDir, "shardvault.db") }
func (c Config) WALPath() string      { return filepath.Join(c.dataDir, "reconcile.wal") }
func (c Config) DiskCacheDir() string { return filepath.Join(c.dataDir, "cache") }
func (c Config) LogPath() string      { return filepath.Join(c.dataDir, "shardvault.log") }

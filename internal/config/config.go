// Package config manages offsync configuration and the .offsync directory.
// It handles loading, saving, and initializing the device configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/isaacmuchunu/offsync/internal/conflict"
	"github.com/isaacmuchunu/offsync/internal/models"
	"github.com/isaacmuchunu/offsync/internal/queue"
	"github.com/isaacmuchunu/offsync/internal/store"
	"github.com/pelletier/go-toml/v2"
)

const (
	Dir          = ".offsync"
	ConfigFile   = "config"
	DatabaseFile = "offsync.db"
)

// Remote kinds.
const (
	RemoteHTTP     = "http"
	RemoteWeaviate = "weaviate"
)

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// StoreConfig selects the durable backend.
type StoreConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path,omitempty"` // relative paths resolve inside .offsync
	DSN    string `toml:"dsn,omitempty"`
}

type QueueConfig struct {
	MaxSize           int  `toml:"max_size"`
	CoalesceOnEnqueue bool `toml:"coalesce_on_enqueue"`
}

type SyncConfig struct {
	BatchSize   int      `toml:"batch_size"`
	Interval    Duration `toml:"interval"`
	CallTimeout Duration `toml:"call_timeout"`
}

type RetryConfig struct {
	MaxRetries int      `toml:"max_retries"`
	Delay      Duration `toml:"delay"`
}

// ConflictConfig tunes strategy selection.
type ConflictConfig struct {
	CriticalEntityTypes []string          `toml:"critical_entity_types"`
	Overrides           map[string]string `toml:"overrides,omitempty"` // entity type -> strategy
	TimestampPattern    string            `toml:"timestamp_pattern"`
	CountPattern        string            `toml:"count_pattern"`
	MergeFieldLimit     int               `toml:"merge_field_limit"`
	MergeDefault        string            `toml:"merge_default"`
}

// RemoteConfig describes the system of record.
type RemoteConfig struct {
	Kind        string `toml:"kind"`
	URL         string `toml:"url"`
	Token       string `toml:"token,omitempty"`
	JWTSecret   string `toml:"jwt_secret,omitempty"`
	DeviceID    string `toml:"device_id"`
	UserID      string `toml:"user_id,omitempty"`
	ReadRetries int    `toml:"read_retries"`
}

type ConnectivityConfig struct {
	ProbeInterval Duration `toml:"probe_interval"`
	ProbeTimeout  Duration `toml:"probe_timeout"`
}

type NotifyConfig struct {
	WebhookURLs []string `toml:"webhook_urls"`
	AllPasses   bool     `toml:"all_passes"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config represents the offsync configuration
type Config struct {
	Store        StoreConfig        `toml:"store"`
	Queue        QueueConfig        `toml:"queue"`
	Sync         SyncConfig         `toml:"sync"`
	Retry        RetryConfig        `toml:"retry"`
	Conflict     ConflictConfig     `toml:"conflict"`
	Remote       RemoteConfig       `toml:"remote"`
	Connectivity ConnectivityConfig `toml:"connectivity"`
	Notify       NotifyConfig       `toml:"notify"`
	Log          LogConfig          `toml:"log"`

	path string // path to .offsync directory
}

// Default returns a configuration with every field at its default.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Driver: store.DriverBolt, Path: DatabaseFile},
		Queue: QueueConfig{MaxSize: queue.DefaultCapacity, CoalesceOnEnqueue: true},
		Sync: SyncConfig{
			BatchSize:   50,
			Interval:    Duration(5 * time.Minute),
			CallTimeout: Duration(30 * time.Second),
		},
		Retry: RetryConfig{MaxRetries: queue.DefaultMaxRetries, Delay: Duration(queue.DefaultRetryDelay)},
		Conflict: ConflictConfig{
			CriticalEntityTypes: []string{},
			TimestampPattern:    conflict.DefaultTimestampPattern,
			CountPattern:        conflict.DefaultCountPattern,
			MergeFieldLimit:     conflict.DefaultMergeFieldLimit,
			MergeDefault:        string(conflict.SideRemote),
		},
		Remote: RemoteConfig{Kind: RemoteHTTP, ReadRetries: 2},
		Connectivity: ConnectivityConfig{
			ProbeInterval: Duration(15 * time.Second),
			ProbeTimeout:  Duration(5 * time.Second),
		},
		Notify: NotifyConfig{WebhookURLs: []string{}},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// FindRoot finds the .offsync directory by walking up from dir.
func FindRoot(dir string) (string, error) {
	for {
		p := filepath.Join(dir, Dir)
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return p, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not an offsync device directory (or any parent up to root)")
		}
		dir = parent
	}
}

// Load loads the configuration from the .offsync directory above the
// working directory.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	root, err := FindRoot(cwd)
	if err != nil {
		return nil, err
	}
	return LoadFrom(root)
}

// LoadFrom loads the configuration stored in an .offsync directory. Fields
// absent from the file keep their defaults.
func LoadFrom(root string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(root, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.path = root
	return cfg, nil
}

// Save saves the configuration to disk
func (c *Config) Save() error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(filepath.Join(c.path, ConfigFile), data, 0600)
}

// Root returns the path to the .offsync directory
func (c *Config) Root() string {
	return c.path
}

// Initialize creates a new .offsync directory under dir with cfg, or the
// defaults when cfg is nil.
func Initialize(dir string, cfg *Config) (*Config, error) {
	root := filepath.Join(dir, Dir)

	// Check if already initialized
	if _, err := os.Stat(root); err == nil {
		return nil, fmt.Errorf("offsync directory already exists at %s", root)
	}

	if cfg == nil {
		cfg = Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s directory: %w", Dir, err)
	}

	cfg.path = root
	if err := cfg.Save(); err != nil {
		// Cleanup on failure
		os.RemoveAll(root)
		return nil, err
	}

	return cfg, nil
}

// Validate checks enumerated fields and patterns.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case store.DriverBolt, store.DriverSQLite:
	case store.DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("config: store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}

	switch c.Remote.Kind {
	case RemoteHTTP, RemoteWeaviate:
	default:
		return fmt.Errorf("config: unknown remote.kind %q", c.Remote.Kind)
	}

	switch conflict.Side(c.Conflict.MergeDefault) {
	case conflict.SideLocal, conflict.SideRemote:
	default:
		return fmt.Errorf("config: conflict.merge_default must be 'local' or 'remote', got %q", c.Conflict.MergeDefault)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}

	_, err := c.Conflict.Policy()
	return err
}

// StoreOptions resolves the backend options, placing relative file paths
// inside the .offsync directory.
func (c *Config) StoreOptions() store.Options {
	path := c.Store.Path
	if path == "" {
		path = DatabaseFile
	}
	if !filepath.IsAbs(path) && c.path != "" {
		path = filepath.Join(c.path, path)
	}
	return store.Options{Driver: c.Store.Driver, Path: path, DSN: c.Store.DSN}
}

// QueueOptions maps the queue and retry sections.
func (c *Config) QueueOptions() queue.Options {
	return queue.Options{
		Capacity: c.Queue.MaxSize,
		Coalesce: c.Queue.CoalesceOnEnqueue,
		Retry: queue.RetryPolicy{
			MaxRetries: c.Retry.MaxRetries,
			Delay:      c.Retry.Delay.Std(),
		},
	}
}

// Policy compiles the conflict section into a resolver policy.
func (cc *ConflictConfig) Policy() (conflict.Policy, error) {
	p := conflict.DefaultPolicy()
	p.CriticalEntityTypes = cc.CriticalEntityTypes
	if cc.MergeFieldLimit > 0 {
		p.MergeFieldLimit = cc.MergeFieldLimit
	}
	if cc.MergeDefault != "" {
		p.MergeDefault = conflict.Side(cc.MergeDefault)
	}

	if cc.TimestampPattern != "" {
		re, err := regexp.Compile(cc.TimestampPattern)
		if err != nil {
			return p, fmt.Errorf("config: conflict.timestamp_pattern: %w", err)
		}
		p.TimestampPattern = re
	}
	if cc.CountPattern != "" {
		re, err := regexp.Compile(cc.CountPattern)
		if err != nil {
			return p, fmt.Errorf("config: conflict.count_pattern: %w", err)
		}
		p.CountPattern = re
	}

	if len(cc.Overrides) > 0 {
		p.Overrides = make(map[string]models.ConflictStrategy, len(cc.Overrides))
		for entityType, name := range cc.Overrides {
			s := models.ConflictStrategy(name)
			switch s {
			case models.StrategyLocalWins, models.StrategyRemoteWins, models.StrategyMerge,
				models.StrategyManual, models.StrategyCustom:
			default:
				return p, fmt.Errorf("config: conflict.overrides.%s: unknown strategy %q", entityType, name)
			}
			p.Overrides[entityType] = s
		}
	}
	return p, nil
}

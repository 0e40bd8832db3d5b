// Package config loads the daemon configuration from a YAML file plus
// MEDIARELAY_* environment overrides and materializes it into an
// immutable snapshot. The snapshot is passed explicitly to every
// component; nothing reads viper after startup.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PlatformAlbumCap is the hard upper bound on items per album imposed
// by the outbound messaging platform. AlbumSizeCap is clamped to it.
const PlatformAlbumCap = 10

// Config is the full configuration snapshot.
//
// Sources, in order of precedence:
//  1. Environment variables (MEDIARELAY_*)
//  2. Configuration file (mediarelay.yaml)
//  3. Default values
type Config struct {
	// DataDir is the root of all persistent state: queue journals,
	// manifests, the conversion ledger, quarantine, tmp downloads.
	DataDir string `mapstructure:"data_dir"`

	Logging    LoggingConfig    `mapstructure:"logging"`
	Messenger  MessengerConfig  `mapstructure:"messenger"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Transcode  TranscodeConfig  `mapstructure:"transcode"`
	Conversion ConversionConfig `mapstructure:"conversion"`
	Admission  AdmissionConfig  `mapstructure:"admission"`
	Webdav     WebdavConfig     `mapstructure:"webdav"`
	Progress   ProgressConfig   `mapstructure:"progress"`

	// StageConcurrency sets workers per stage. Process is always 1;
	// Download and Upload may be raised on hosts with headroom.
	StageConcurrency StageConcurrencyConfig `mapstructure:"stage_concurrency"`

	// MaxArchiveSize rejects archives larger than this many bytes.
	// Zero means unlimited.
	MaxArchiveSize int64 `mapstructure:"max_archive_size"`

	// FreeSpaceFloor pauses extraction and downloads when free disk
	// under DataDir drops below this many bytes.
	FreeSpaceFloor int64 `mapstructure:"free_space_floor"`

	// AlbumSizeCap is the maximum items per album, clamped to
	// PlatformAlbumCap.
	AlbumSizeCap int `mapstructure:"album_size_cap"`

	// SnapshotInterval is the cadence of advisory in-flight snapshots.
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`

	// DropDir, when set, is a watched local directory whose files
	// enter intake as if attached to a message.
	DropDir string `mapstructure:"drop_dir"`
}

// LoggingConfig controls log output. Only the level is an operator
// knob.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// MessengerConfig configures the outbound messaging adapter.
type MessengerConfig struct {
	// Token authenticates against the bot HTTP API.
	Token string `mapstructure:"token"`

	// BaseURL overrides the API endpoint, mainly for tests and
	// self-hosted gateways.
	BaseURL string `mapstructure:"base_url"`

	// Target is the handle of the single authorized recipient.
	Target string `mapstructure:"target"`

	// RequestTimeout bounds each outbound RPC.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// FetchConfig configures the resumable fetcher.
type FetchConfig struct {
	// ChunkSize is the streaming read size in bytes.
	ChunkSize int `mapstructure:"chunk_size"`

	// InactivityTimeout is how long a stream may produce no bytes
	// before the attempt is torn down as stalled.
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
}

// RetryConfig is the generic retry policy.
type RetryConfig struct {
	// MaxAttempts is the retry budget for bounded classes.
	MaxAttempts int `mapstructure:"max_attempts"`

	// BaseSeconds is the base of the exponential backoff schedule.
	BaseSeconds int `mapstructure:"base_seconds"`
}

// TranscodeConfig controls inline video normalization.
type TranscodeConfig struct {
	// Enabled toggles inline normalization. When off, everything that
	// is not already compatible is deferred.
	Enabled bool `mapstructure:"enabled"`

	// Timeout bounds a single encoder run.
	Timeout time.Duration `mapstructure:"timeout"`

	// FFmpegPath and FFprobePath locate the encoder binaries.
	FFmpegPath  string `mapstructure:"ffmpeg_path"`
	FFprobePath string `mapstructure:"ffprobe_path"`
}

// ConversionConfig controls the deferred conversion ledger.
type ConversionConfig struct {
	// MaxRetries caps attempts per deferred entry.
	MaxRetries int `mapstructure:"max_retries"`

	// StateSaveInterval is the ledger write cadence while a
	// conversion runs.
	StateSaveInterval time.Duration `mapstructure:"state_save_interval"`

	// CompletedTTL is how long completed entries linger before sweep.
	CompletedTTL time.Duration `mapstructure:"completed_ttl"`
}

// AdmissionConfig controls the download admission gate.
type AdmissionConfig struct {
	// WifiOnly pauses download admission while the network state is
	// reported as metered.
	WifiOnly bool `mapstructure:"wifi_only"`
}

// WebdavConfig configures the WebDAV crawl client.
type WebdavConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// ProgressConfig throttles user-visible progress heartbeats.
type ProgressConfig struct {
	// MinPercentStep is the minimum percentage delta between updates.
	MinPercentStep int `mapstructure:"min_percent_step"`

	// MinInterval is the minimum time between updates.
	MinInterval time.Duration `mapstructure:"min_interval"`
}

// StageConcurrencyConfig sets worker counts for the parallel-capable
// stages.
type StageConcurrencyConfig struct {
	Download int `mapstructure:"download"`
	Upload   int `mapstructure:"upload"`
}

// Load reads the configuration from the given file path (or, when
// empty, from mediarelay.yaml in the working directory), applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mediarelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MEDIARELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// No config file is fine: defaults plus env.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize validates the snapshot and fills conservative values for
// fields that would otherwise break the pipeline.
func (c *Config) normalize() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	abs, err := filepath.Abs(c.DataDir)
	if err != nil {
		return fmt.Errorf("resolving data_dir: %w", err)
	}
	c.DataDir = abs

	// The platform cap wins over operator enthusiasm.
	if c.AlbumSizeCap <= 0 || c.AlbumSizeCap > PlatformAlbumCap {
		c.AlbumSizeCap = PlatformAlbumCap
	}
	if c.StageConcurrency.Download < 1 {
		c.StageConcurrency.Download = 1
	}
	if c.StageConcurrency.Upload < 1 {
		c.StageConcurrency.Upload = 1
	}
	if c.Fetch.ChunkSize < 4096 {
		c.Fetch.ChunkSize = 4096
	}
	if c.Fetch.InactivityTimeout <= 0 {
		c.Fetch.InactivityTimeout = 60 * time.Second
	}
	if c.Retry.MaxAttempts < 1 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BaseSeconds < 1 {
		c.Retry.BaseSeconds = 5
	}
	if c.Conversion.MaxRetries < 1 {
		c.Conversion.MaxRetries = 3
	}
	if c.Conversion.StateSaveInterval <= 0 {
		c.Conversion.StateSaveInterval = 10 * time.Second
	}
	if c.Conversion.CompletedTTL <= 0 {
		c.Conversion.CompletedTTL = 24 * time.Hour
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 60 * time.Second
	}
	if c.Progress.MinPercentStep <= 0 {
		c.Progress.MinPercentStep = 5
	}
	if c.Progress.MinInterval <= 0 {
		c.Progress.MinInterval = 7 * time.Second
	}
	return nil
}

// AlbumCapClamped reports whether the configured album cap exceeded
// the platform cap, so the caller can log the clamp once.
func AlbumCapClamped(requested int) bool {
	return requested > PlatformAlbumCap
}

// Path helpers. All persistent state hangs off DataDir.

func (c *Config) QueueDir() string      { return filepath.Join(c.DataDir, "queue") }
func (c *Config) StateDir() string      { return filepath.Join(c.DataDir, "state") }
func (c *Config) ManifestDir() string   { return filepath.Join(c.DataDir, "manifests") }
func (c *Config) QuarantineDir() string { return filepath.Join(c.DataDir, "quarantine") }
func (c *Config) TmpDir() string        { return filepath.Join(c.DataDir, "tmp") }
func (c *Config) LockPath() string      { return filepath.Join(c.DataDir, "lock.pid") }
func (c *Config) SnapshotPath() string  { return filepath.Join(c.StateDir(), "current.json") }
func (c *Config) CachePath() string     { return filepath.Join(c.StateDir(), "cache.json") }
func (c *Config) LedgerPath() string    { return filepath.Join(c.StateDir(), "conversions.json") }
func (c *Config) FailedPath() string    { return filepath.Join(c.StateDir(), "failed.json") }

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "data")
	v.SetDefault("logging.level", "info")

	v.SetDefault("messenger.base_url", "")
	v.SetDefault("messenger.request_timeout", 120*time.Second)

	v.SetDefault("max_archive_size", int64(0))
	v.SetDefault("free_space_floor", int64(500*1024*1024))
	v.SetDefault("album_size_cap", PlatformAlbumCap)
	v.SetDefault("snapshot_interval", 60*time.Second)

	v.SetDefault("stage_concurrency.download", 1)
	v.SetDefault("stage_concurrency.upload", 1)

	v.SetDefault("fetch.chunk_size", 1024*1024)
	v.SetDefault("fetch.inactivity_timeout", 60*time.Second)

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_seconds", 5)

	v.SetDefault("transcode.enabled", true)
	v.SetDefault("transcode.timeout", 30*time.Minute)
	v.SetDefault("transcode.ffmpeg_path", "ffmpeg")
	v.SetDefault("transcode.ffprobe_path", "ffprobe")

	v.SetDefault("conversion.max_retries", 3)
	v.SetDefault("conversion.state_save_interval", 10*time.Second)
	v.SetDefault("conversion.completed_ttl", 24*time.Hour)

	v.SetDefault("admission.wifi_only", false)

	v.SetDefault("progress.min_percent_step", 5)
	v.SetDefault("progress.min_interval", 7*time.Second)
}

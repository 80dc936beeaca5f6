package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/breeze-rmm/autoupdate/internal/logging"
)

var log = logging.L("config")

const (
	envPrefix  = "BREEZE_UPDATER"
	configName = "updater"
)

// Backend names accepted in Config.Backend.
const (
	BackendWebFeed  = "webfeed"
	BackendPatching = "patching"
)

type Config struct {
	Backend     string `mapstructure:"backend"`
	DownloadDir string `mapstructure:"download_dir"`

	AutoAcceptEula      bool   `mapstructure:"auto_accept_eula"`
	LaunchOnExit        bool   `mapstructure:"launch_on_exit"`
	MaxParallelInstalls int    `mapstructure:"max_parallel_installs"`
	MinFreeBytes        uint64 `mapstructure:"min_free_bytes"`

	GracePeriodSeconds   int `mapstructure:"grace_period_seconds"`
	AbortDelaySeconds    int `mapstructure:"abort_delay_seconds"`
	CheckTimeoutSeconds  int `mapstructure:"check_timeout_seconds"`
	CheckIntervalMinutes int `mapstructure:"check_interval_minutes"`

	MetricsAddr string `mapstructure:"metrics_addr"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	// AuditLog is the install audit trail; empty disables it.
	AuditLog        string `mapstructure:"audit_log"`
	AuditMaxSizeMB  int    `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int    `mapstructure:"audit_max_backups"`

	Feed     FeedConfig     `mapstructure:"feed"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Patching PatchingConfig `mapstructure:"patching"`
	Remote   RemoteConfig   `mapstructure:"remote"`
}

type FeedConfig struct {
	URL             string            `mapstructure:"url"`
	Headers         map[string]string `mapstructure:"headers"`
	Installed       map[string]string `mapstructure:"installed"`
	CacheTTLMinutes int               `mapstructure:"cache_ttl_minutes"`
	MaxRetries      int               `mapstructure:"max_retries"`
}

// StorageConfig holds object-store credentials for artifact URLs. A store
// with no settings gets no fetcher.
type StorageConfig struct {
	S3 struct {
		Region          string `mapstructure:"region"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		SessionToken    string `mapstructure:"session_token"`
		UsePathStyle    bool   `mapstructure:"use_path_style"`
		Enabled         bool   `mapstructure:"enabled"`
	} `mapstructure:"s3"`
	GCS struct {
		CredentialsFile string `mapstructure:"credentials_file"`
		Endpoint        string `mapstructure:"endpoint"`
		Enabled         bool   `mapstructure:"enabled"`
	} `mapstructure:"gcs"`
	Azure struct {
		ConnectionString string `mapstructure:"connection_string"`
		ServiceURL       string `mapstructure:"service_url"`
	} `mapstructure:"azure"`
	B2 struct {
		AccountID      string `mapstructure:"account_id"`
		ApplicationKey string `mapstructure:"application_key"`
	} `mapstructure:"b2"`
}

type PatchingConfig struct {
	ExcludeDrivers        bool `mapstructure:"exclude_drivers"`
	ExcludeFeatureUpdates bool `mapstructure:"exclude_feature_updates"`
}

// RemoteConfig points the remote reporter and EULA gate at a management
// server. Empty ServerURL disables both.
type RemoteConfig struct {
	ServerURL string `mapstructure:"server_url"`
	AuthToken string `mapstructure:"auth_token"`
	DeviceID  string `mapstructure:"device_id"`

	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`
	CAFile      string `mapstructure:"ca_file"`

	// EulaTimeoutSeconds bounds the wait for a license decision from the
	// server; expiry rejects the license.
	EulaTimeoutSeconds int `mapstructure:"eula_timeout_seconds"`
}

func Default() *Config {
	return &Config{
		Backend:              BackendWebFeed,
		DownloadDir:          filepath.Join(os.TempDir(), "breeze-updater"),
		MaxParallelInstalls:  1,
		GracePeriodSeconds:   10,
		AbortDelaySeconds:    5,
		CheckTimeoutSeconds:  300,
		CheckIntervalMinutes: 360,
		MetricsAddr:          "127.0.0.1:9464",
		LogLevel:             "info",
		LogFormat:            "text",
		LogMaxSizeMB:         50,
		LogMaxBackups:        3,
		AuditMaxSizeMB:       50,
		AuditMaxBackups:      3,
		Feed: FeedConfig{
			CacheTTLMinutes: 24 * 60,
			MaxRetries:      3,
		},
		Remote: RemoteConfig{
			EulaTimeoutSeconds: 300,
		},
	}
}

// GracePeriod, AbortDelay and CheckTimeout convert the second-based settings.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

func (c *Config) AbortDelay() time.Duration {
	return time.Duration(c.AbortDelaySeconds) * time.Second
}

func (c *Config) CheckTimeout() time.Duration {
	return time.Duration(c.CheckTimeoutSeconds) * time.Second
}

func (c *Config) EulaTimeout() time.Duration {
	return time.Duration(c.Remote.EulaTimeoutSeconds) * time.Second
}

func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalMinutes) * time.Minute
}

func newViper(cfgFile string) *viper.Viper {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())
	return v
}

// setDefaults registers every scalar key so AutomaticEnv can override it;
// viper only consults the environment for keys it already knows.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("backend", d.Backend)
	v.SetDefault("download_dir", d.DownloadDir)
	v.SetDefault("auto_accept_eula", d.AutoAcceptEula)
	v.SetDefault("launch_on_exit", d.LaunchOnExit)
	v.SetDefault("max_parallel_installs", d.MaxParallelInstalls)
	v.SetDefault("min_free_bytes", d.MinFreeBytes)
	v.SetDefault("grace_period_seconds", d.GracePeriodSeconds)
	v.SetDefault("abort_delay_seconds", d.AbortDelaySeconds)
	v.SetDefault("check_timeout_seconds", d.CheckTimeoutSeconds)
	v.SetDefault("check_interval_minutes", d.CheckIntervalMinutes)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("log_max_size_mb", d.LogMaxSizeMB)
	v.SetDefault("log_max_backups", d.LogMaxBackups)
	v.SetDefault("audit_log", d.AuditLog)
	v.SetDefault("audit_max_size_mb", d.AuditMaxSizeMB)
	v.SetDefault("audit_max_backups", d.AuditMaxBackups)
	v.SetDefault("feed.url", d.Feed.URL)
	v.SetDefault("feed.cache_ttl_minutes", d.Feed.CacheTTLMinutes)
	v.SetDefault("feed.max_retries", d.Feed.MaxRetries)
	v.SetDefault("remote.server_url", "")
	v.SetDefault("remote.auth_token", "")
	v.SetDefault("remote.device_id", "")
	v.SetDefault("remote.tls_cert_file", "")
	v.SetDefault("remote.tls_key_file", "")
	v.SetDefault("remote.ca_file", "")
	v.SetDefault("remote.eula_timeout_seconds", d.Remote.EulaTimeoutSeconds)
	v.SetDefault("patching.exclude_drivers", false)
	v.SetDefault("patching.exclude_feature_updates", false)
	for _, key := range []string{
		"storage.s3.region", "storage.s3.endpoint", "storage.s3.access_key_id",
		"storage.s3.secret_access_key", "storage.s3.session_token",
		"storage.gcs.credentials_file", "storage.gcs.endpoint",
		"storage.azure.connection_string", "storage.azure.service_url",
		"storage.b2.account_id", "storage.b2.application_key",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("storage.s3.use_path_style", false)
	v.SetDefault("storage.s3.enabled", false)
	v.SetDefault("storage.gcs.enabled", false)
}

func read(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads cfgFile (or updater.yaml from the platform config directory)
// and applies BREEZE_UPDATER_* environment overrides.
func Load(cfgFile string) (*Config, error) {
	return read(newViper(cfgFile))
}

// Watcher reloads the config file when it changes on disk.
type Watcher struct {
	v *viper.Viper

	mu      sync.RWMutex
	current *Config
}

// Watch loads the config and starts watching its file. onChange runs after
// each successful reload whose validation has no fatal errors; a reload with
// fatals is logged and ignored.
func Watch(cfgFile string, onChange func(*Config)) (*Watcher, error) {
	v := newViper(cfgFile)
	cfg, err := read(v)
	if err != nil {
		return nil, err
	}
	w := &Watcher{v: v, current: cfg}

	if v.ConfigFileUsed() == "" {
		log.Info("no config file found, hot reload disabled")
		return w, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		w.reload(e.Name, onChange)
	})
	v.WatchConfig()
	return w, nil
}

func (w *Watcher) reload(name string, onChange func(*Config)) {
	cfg, err := decode(w.v)
	if err != nil {
		log.Warn("config reload failed", "file", name, logging.KeyError, err.Error())
		return
	}
	if result := cfg.ValidateTiered(); result.HasFatals() {
		log.Warn("config reload rejected", "file", name, "fatals", len(result.Fatals))
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	log.Info("config reloaded", "file", name)
	if onChange != nil {
		onChange(cfg)
	}
}

// Current returns the last successfully loaded config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// File returns the config file in use, or "" when running on defaults.
func (w *Watcher) File() string {
	return w.v.ConfigFileUsed()
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Breeze")
	case "darwin":
		return "/Library/Application Support/Breeze"
	default:
		return "/etc/breeze"
	}
}

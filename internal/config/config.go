package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
	"github.com/wheelibin/goveed/internal/constants"
	"github.com/wheelibin/goveed/internal/models"
)

type PollConfig struct {
	Interval       time.Duration
	MaxConcurrency int
	CommandReserve int
}

type PushConfig struct {
	Enabled           bool
	Email             string
	Password          string
	Endpoint          string
	PreferForCommands []string
}

type APIConfig struct {
	BaseURL           string
	Key               string
	Timeout           time.Duration
	Retries           int
	RequestsPerMinute int
	RequestsPerDay    int
}

type DatabaseConfig struct {
	Path         string
	HistoryLimit int
}

type InfluxConfig struct {
	Enabled bool
	URL     string
	Token   string
	Org     string
	Bucket  string
}

type StreamConfig struct {
	Listen string
}

type LogConfig struct {
	Level string
	File  string
}

type Config struct {
	API      APIConfig
	Poll     PollConfig
	Push     PushConfig
	Database DatabaseConfig
	Influx   InfluxConfig
	Stream   StreamConfig
	Log      LogConfig

	EnableGroups    bool
	EnableScenes    bool
	EnableDIYScenes bool
	EnableSegments  bool

	OptimisticTimeout time.Duration
	PushPrecedence    time.Duration
	ShutdownTimeout   time.Duration

	// attributes ignored per source, from "source:attribute" entries
	Suppressions map[models.Source]map[models.Attribute]bool
}

// Suppressed reports whether updates of attr from source should be dropped
func (c *Config) Suppressed(source models.Source, attr models.Attribute) bool {
	return c.Suppressions[source][attr]
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.baseUrl", constants.APIBaseURL)
	v.SetDefault("api.timeout", constants.APIRequestTimeout.Seconds())
	v.SetDefault("api.retries", constants.APIMaxRetries)
	v.SetDefault("api.requestsPerMinute", constants.DefaultRequestsPerMinute)
	v.SetDefault("api.requestsPerDay", constants.DefaultRequestsPerDay)

	v.SetDefault("pollInterval", constants.DefaultPollInterval.Seconds())
	v.SetDefault("poll.maxConcurrency", constants.DefaultPollConcurrency)
	v.SetDefault("poll.commandReserve", constants.DefaultCommandReserve)

	v.SetDefault("push.enabled", false)
	v.SetDefault("push.endpoint", fmt.Sprintf("%s:%d", constants.IotEndpoint, constants.IotPort))

	v.SetDefault("enableGroups", false)
	v.SetDefault("enableScenes", true)
	v.SetDefault("enableDiyScenes", true)
	v.SetDefault("enableSegments", true)

	v.SetDefault("optimisticTimeout", constants.DefaultOptimisticTimeout.Seconds())
	v.SetDefault("pushPrecedence", constants.DefaultPushPrecedence.Seconds())
	v.SetDefault("shutdownTimeout", constants.DefaultShutdownTimeout.Seconds())

	v.SetDefault("database.historyLimit", 500)
	v.SetDefault("stream.listen", ":8089")
	v.SetDefault("log.level", "info")
}

func seconds(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetFloat64(key) * float64(time.Second))
}

// InitialiseConfig points the global viper instance at the config file and environment
func InitialiseConfig(configFile string) error {
	setDefaults(viper.GetViper())

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")                // name of config file (without extension)
		viper.AddConfigPath("/etc/goveed/")          // path to look for the config file in
		viper.AddConfigPath("$HOME/.config/goveed/") // call multiple times to add many search paths
		viper.AddConfigPath(".")                     // optionally look for config in the working directory
	}
	viper.SetEnvPrefix("govee")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			log.Warn("no config file found, using defaults and environment")
			return nil
		}
		return fmt.Errorf("fatal error config file: %w", err)
	}
	return nil
}

// Load reads the global viper instance into a validated Config
func Load() (*Config, error) {
	return FromViper(viper.GetViper())
}

func FromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	cfg := &Config{
		API: APIConfig{
			BaseURL:           strings.TrimSuffix(v.GetString("api.baseUrl"), "/"),
			Key:               v.GetString("apiKey"),
			Timeout:           seconds(v, "api.timeout"),
			Retries:           v.GetInt("api.retries"),
			RequestsPerMinute: v.GetInt("api.requestsPerMinute"),
			RequestsPerDay:    v.GetInt("api.requestsPerDay"),
		},
		Poll: PollConfig{
			Interval:       seconds(v, "pollInterval"),
			MaxConcurrency: v.GetInt("poll.maxConcurrency"),
			CommandReserve: v.GetInt("poll.commandReserve"),
		},
		Push: PushConfig{
			Enabled:           v.GetBool("push.enabled"),
			Email:             v.GetString("push.email"),
			Password:          v.GetString("push.password"),
			Endpoint:          v.GetString("push.endpoint"),
			PreferForCommands: v.GetStringSlice("push.preferForCommands"),
		},
		Database: DatabaseConfig{
			Path:         v.GetString("database.path"),
			HistoryLimit: v.GetInt("database.historyLimit"),
		},
		Influx: InfluxConfig{
			Enabled: v.GetBool("influxdb.enabled"),
			URL:     v.GetString("influxdb.url"),
			Token:   v.GetString("influxdb.token"),
			Org:     v.GetString("influxdb.org"),
			Bucket:  v.GetString("influxdb.bucket"),
		},
		Stream: StreamConfig{Listen: v.GetString("stream.listen")},
		Log:    LogConfig{Level: v.GetString("log.level"), File: v.GetString("log.file")},

		EnableGroups:    v.GetBool("enableGroups"),
		EnableScenes:    v.GetBool("enableScenes"),
		EnableDIYScenes: v.GetBool("enableDiyScenes"),
		EnableSegments:  v.GetBool("enableSegments"),

		OptimisticTimeout: seconds(v, "optimisticTimeout"),
		PushPrecedence:    seconds(v, "pushPrecedence"),
		ShutdownTimeout:   seconds(v, "shutdownTimeout"),
	}

	suppressions, err := ParseSuppressions(v.GetStringSlice("suppressUpdates"))
	if err != nil {
		return nil, err
	}
	cfg.Suppressions = suppressions

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.API.Key == "" {
		return errors.New("apiKey is required")
	}
	if c.Poll.Interval < constants.MinPollInterval {
		log.Warn("poll interval below minimum, clamping", "configured", c.Poll.Interval, "minimum", constants.MinPollInterval)
		c.Poll.Interval = constants.MinPollInterval
	}
	if c.Poll.MaxConcurrency < 1 {
		c.Poll.MaxConcurrency = 1
	}
	if c.Poll.CommandReserve < 0 {
		c.Poll.CommandReserve = 0
	}
	if c.Push.Enabled && (c.Push.Email == "" || c.Push.Password == "") {
		return errors.New("push.email and push.password are required when push is enabled")
	}
	if c.Influx.Enabled && (c.Influx.URL == "" || c.Influx.Bucket == "") {
		return errors.New("influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}
	if c.OptimisticTimeout <= 0 {
		c.OptimisticTimeout = constants.DefaultOptimisticTimeout
	}
	return nil
}

// ParseSuppressions parses "source:attribute" entries, e.g. "poll:brightness"
func ParseSuppressions(entries []string) (map[models.Source]map[models.Attribute]bool, error) {
	suppressions := map[models.Source]map[models.Attribute]bool{}
	for _, entry := range entries {
		sourceName, attr, found := strings.Cut(entry, ":")
		if !found || strings.TrimSpace(attr) == "" {
			return nil, fmt.Errorf("invalid suppression %q, expected source:attribute", entry)
		}
		source, err := models.ParseSource(sourceName)
		if err != nil {
			return nil, fmt.Errorf("invalid suppression %q: %w", entry, err)
		}
		// only confirmed updates can be suppressed, commands always show their effect
		if source == models.SourceOptimistic {
			return nil, fmt.Errorf("invalid suppression %q, source must be poll or push", entry)
		}
		if suppressions[source] == nil {
			suppressions[source] = map[models.Attribute]bool{}
		}
		suppressions[source][models.Attribute(strings.TrimSpace(attr))] = true
	}
	return suppressions, nil
}

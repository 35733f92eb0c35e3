package conf

import (
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"rollnorm/logger"
)

const envPrefix = "ROLLNORM"

const (
	SourceStdin = "stdin"
	SourceCPU   = "cpu"

	StoreNone  = "none"
	StoreRedis = "redis"
	StoreMySQL = "mysql"
)

var ErrInvalidConfig = errors.New("conf: invalid config")

type Config struct {
	Window      int           `mapstructure:"window"`
	Threshold   float64       `mapstructure:"threshold"`
	ResyncEvery uint64        `mapstructure:"resync_every"`
	Source      string        `mapstructure:"source"`
	Interval    time.Duration `mapstructure:"interval"` // cpu sampling period

	Log     logger.Config `mapstructure:"log"`
	Metrics Metrics       `mapstructure:"metrics"`
	Store   Store         `mapstructure:"store"`
}

type Metrics struct {
	Addr string `mapstructure:"addr"` // empty disables the /metrics endpoint
}

type Store struct {
	Kind  string `mapstructure:"kind"`
	Redis Redis  `mapstructure:"redis"`
	MySQL MySQL  `mapstructure:"mysql"`
}

type Redis struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
	History  int64         `mapstructure:"history"`
}

type MySQL struct {
	DSN string `mapstructure:"dsn"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("window", 50)
	v.SetDefault("threshold", 3.0)
	v.SetDefault("resync_every", 0)
	v.SetDefault("source", SourceStdin)
	v.SetDefault("interval", time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.filename", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 7)
	v.SetDefault("log.compress", false)
	v.SetDefault("log.development", false)

	v.SetDefault("metrics.addr", "")

	v.SetDefault("store.kind", StoreNone)
	v.SetDefault("store.redis.addr", "127.0.0.1:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.ttl", 24*time.Hour)
	v.SetDefault("store.redis.history", 100)
	v.SetDefault("store.mysql.dsn", "")
}

// Flags returns the command line flags understood by NewLoader.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("rollnorm", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "path to a YAML config file")
	fs.IntP("window", "w", 50, "window size")
	fs.Float64P("threshold", "t", 3.0, "absolute z-score that counts as an anomaly")
	fs.StringP("source", "s", SourceStdin, "value source: stdin or cpu")
	fs.String("metrics.addr", "", "listen address for /metrics")
	return fs
}

type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader reads the config file named by the "config" flag, if any, and
// binds the remaining flags. fs may be nil.
func NewLoader(fs *pflag.FlagSet) (*Loader, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	l := &Loader{v: v}
	if fs != nil {
		if f := fs.Lookup("config"); f != nil {
			l.path = f.Value.String()
		}
		for _, key := range []string{"window", "threshold", "source", "metrics.addr"} {
			if f := fs.Lookup(key); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errors.Wrapf(err, "bind flag %s", key)
				}
			}
		}
	}

	if l.path != "" {
		v.SetConfigFile(l.path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", l.path)
		}
	}
	return l, nil
}

func (l *Loader) Load() (*Config, error) {
	c := &Config{}
	if err := l.v.Unmarshal(c); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Watch calls fn with the reloaded config every time the config file
// changes. It does nothing when no file was given.
func (l *Loader) Watch(fn func(*Config, error)) {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		fn(l.Load())
	})
	l.v.WatchConfig()
}

func (c *Config) Validate() error {
	if c.Window <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "window %d", c.Window)
	}
	if c.Threshold <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "threshold %v", c.Threshold)
	}
	switch c.Source {
	case SourceStdin:
	case SourceCPU:
		if c.Interval <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "interval %v", c.Interval)
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "source %q", c.Source)
	}
	switch c.Store.Kind {
	case StoreNone, StoreRedis:
	case StoreMySQL:
		if c.Store.MySQL.DSN == "" {
			return errors.Wrap(ErrInvalidConfig, "mysql store without dsn")
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "store %q", c.Store.Kind)
	}
	return nil
}

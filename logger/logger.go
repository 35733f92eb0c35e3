package logger

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// consoleSink receives logs when no file is configured. Stdout is left to
// the program's own output.
var consoleSink = os.Stderr

type Config struct {
	Level       string `mapstructure:"level"`
	Filename    string `mapstructure:"filename"` // empty logs to stderr
	MaxSize     int    `mapstructure:"max_size"` // megabytes
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAge      int    `mapstructure:"max_age"` // days
	Compress    bool   `mapstructure:"compress"`
	Development bool   `mapstructure:"development"`
}

func (c *Config) fix() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.MaxSize == 0 {
		c.MaxSize = 100
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = 3
	}
	if c.MaxAge == 0 {
		c.MaxAge = 7
	}
}

func New(c Config) (*zap.Logger, error) {
	c.fix()

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, errors.Wrapf(err, "log level %q", c.Level)
	}

	encCfg := zap.NewProductionEncoderConfig()
	if c.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	}
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var out zapcore.WriteSyncer
	if c.Filename != "" {
		out = zapcore.AddSync(&lumberjack.Logger{
			Filename:   c.Filename,
			MaxSize:    c.MaxSize,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAge,
			Compress:   c.Compress,
		})
	} else {
		out = zapcore.Lock(consoleSink)
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), out, zap.NewAtomicLevelAt(level))
	opts := []zap.Option{zap.AddCaller()}
	if c.Development {
		opts = append(opts, zap.Development())
	}
	return zap.New(core, opts...), nil
}

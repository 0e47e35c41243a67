// Package config loads server settings: defaults, then a JSON file, then CLI flags.
package config

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"callrpc/codec"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Duration is a time.Duration written as "60s" in config files.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// plain numbers are seconds
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return errors.Errorf("invalid duration %s", b)
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// Config holds everything `callrpc serve` needs.
type Config struct {
	Listen    string `json:"listen"`
	Network   string `json:"network"`
	Advertise string `json:"advertise"` // address put in the registry, defaults to Listen
	Codec     string `json:"codec"`     // codec used by `callrpc call`

	IdleTimeout     Duration `json:"idleTimeout"`
	ShutdownTimeout Duration `json:"shutdownTimeout"`
	CallTimeout     Duration `json:"callTimeout"` // 0 disables the timeout middleware

	RateLimit float64 `json:"rateLimit"` // calls per second, 0 disables
	RateBurst int     `json:"rateBurst"`

	Etcd     []string `json:"etcd"`
	LeaseTTL int64    `json:"leaseTTL"`

	LogLevel string `json:"logLevel"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Listen:          ":8888",
		Network:         "tcp",
		Codec:           "json",
		IdleTimeout:     Duration(60 * time.Second),
		ShutdownTimeout: Duration(5 * time.Second),
		RateBurst:       100,
		LeaseTTL:        10,
		LogLevel:        "info",
	}
}

// Load reads path over the defaults. Fields missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return c, nil
}

// Validate checks the settings and fills derived defaults.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	switch c.Network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return errors.Errorf("unsupported network %q", c.Network)
	}
	if _, ok := codec.ParseCodecType(c.Codec); !ok {
		return errors.Errorf("unsupported codec %q", c.Codec)
	}
	if c.IdleTimeout < 0 || c.CallTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.RateLimit < 0 || (c.RateLimit > 0 && c.RateBurst <= 0) {
		return errors.New("rateLimit needs a positive rateBurst")
	}
	if len(c.Etcd) > 0 && c.LeaseTTL <= 0 {
		return errors.New("leaseTTL must be positive when etcd is used")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "logLevel")
	}
	if c.Advertise == "" {
		c.Advertise = c.Listen
		if strings.HasPrefix(c.Advertise, ":") {
			c.Advertise = "127.0.0.1" + c.Advertise
		}
	}
	return nil
}

// Logger builds the process logger from LogLevel.
func (c *Config) Logger() *logrus.Entry {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logrus.NewEntry(logger)
}

// Lock takes an exclusive lock on the config file so only one server runs
// per file. The returned func releases it.
func Lock(path string) (func(), error) {
	fl := flock.New(path)
	if locked, _ := fl.TryLock(); !locked {
		return nil, errors.New("Unable to lock the config file," +
			" make sure there isn't another instance running.")
	}
	return func() {
		_ = fl.Unlock()
	}, nil
}

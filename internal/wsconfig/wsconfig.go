// Package wsconfig is a thin go-ucfg wrapper for loading the daemon's YAML
// configuration file, following the same Config-wraps-ucfg.Config shape used
// throughout the retrieval pack.
package wsconfig

import (
	"github.com/elastic/go-ucfg"
	"github.com/elastic/go-ucfg/yaml"
)

// Config wraps a *ucfg.Config and adds a couple of convenience accessors.
type Config struct {
	conf *ucfg.Config
}

func New(conf *ucfg.Config) *Config {
	return &Config{conf: conf}
}

func (c *Config) Has(path string) bool {
	ok, err := c.conf.Has(path, -1, ucfg.PathSep("."))
	if err != nil {
		return false
	}
	return ok
}

func (c *Config) Unpack(to interface{}) error {
	return c.conf.Unpack(to)
}

func (c *Config) UnpackChild(path string, to interface{}) error {
	child, err := c.conf.Child(path, -1)
	if err != nil {
		return err
	}
	return child.Unpack(to)
}

// LoadPath reads and parses the YAML file at path.
func LoadPath(path string) (*Config, error) {
	conf, err := yaml.NewConfigWithFile(path, ucfg.PathSep("."))
	if err != nil {
		return nil, err
	}
	return New(conf), nil
}

// LoadContent parses YAML already in memory, used by tests and by any
// caller that builds configuration programmatically.
func LoadContent(b []byte) (*Config, error) {
	conf, err := yaml.NewConfig(b)
	if err != nil {
		return nil, err
	}
	return New(conf), nil
}

// Daemon is the top-level configuration document for socketloopd.
type Daemon struct {
	Listen  ListenConfig  `config:"listen"`
	Logger  LoggerConfig  `config:"logger"`
	Metrics MetricsConfig `config:"metrics"`
	Core    CoreConfig    `config:"core"`
}

// ListenConfig describes the TCP address the handshake/frame core accepts
// connections on.
type ListenConfig struct {
	Addr    string `config:"addr"`
	NoDelay bool   `config:"noDelay"`
	Backlog int    `config:"backlog"`
}

// LoggerConfig holds the logging settings; the serve command copies its
// fields into wslog.Options.
type LoggerConfig struct {
	Stdout     bool   `config:"stdout"`
	Level      string `config:"level"`
	Filename   string `config:"filename"`
	MaxSize    int    `config:"maxSize"`
	MaxAge     int    `config:"maxAge"`
	MaxBackups int    `config:"maxBackups"`
}

// MetricsConfig controls the admin HTTP server exposing /metrics, /healthz
// and pprof.
type MetricsConfig struct {
	Addr    string `config:"addr"`
	Enabled bool   `config:"enabled"`
}

// CoreConfig mirrors wsconn.Config's tunables so they can be set from YAML.
type CoreConfig struct {
	BufferSize        int    `config:"bufferSize"`
	PoolCap           int    `config:"poolCap"`
	MaxHandshakeBytes int    `config:"maxHandshakeBytes"`
	MaxMessageBytes   int    `config:"maxMessageBytes"`
	IdleTimeout       string `config:"idleTimeout"`
}

// Default returns the document used when no config file is given.
func Default() Daemon {
	return Daemon{
		Listen: ListenConfig{Addr: ":8080", NoDelay: true, Backlog: 128},
		Logger: LoggerConfig{Stdout: true, Level: "info"},
		Metrics: MetricsConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Core: CoreConfig{},
	}
}

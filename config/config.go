// Package config loads platform configuration: the broker topology, the
// result sink, the compatibility gate, and the HTTP server settings. Values
// come from a YAML or JSON file with MOBSIM_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Module types accepted in the broker topology.
const (
	TypeBroker  = "broker"
	TypePlanner = "planner"
	TypeHTTP    = "http"
)

// Sink types accepted in the sink section.
const (
	SinkFile     = "file"
	SinkHTTP     = "http"
	SinkSQLite   = "sqlite"
	SinkPostgres = "postgres"
	SinkMemory   = "memory"
)

// Validation modes for runtime event checks.
const (
	ValidationFatal = "fatal"
	ValidationLog   = "log"
	ValidationOff   = "off"
)

// Module is one entry of the broker topology, keyed by module name.
type Module struct {
	Type     string `mapstructure:"type" json:"type"`
	Endpoint string `mapstructure:"endpoint" json:"endpoint,omitempty"`
}

// Sink selects where the broker writes observable events.
type Sink struct {
	Type string `mapstructure:"type" json:"type"`

	// File sink.
	Path string `mapstructure:"path" json:"path,omitempty"`

	// HTTP sink.
	Endpoint     string        `mapstructure:"endpoint" json:"endpoint,omitempty"`
	BatchSize    int           `mapstructure:"batch_size" json:"batchSize,omitempty"`
	HighWater    int           `mapstructure:"high_water" json:"highWater,omitempty"`
	PollInterval time.Duration `mapstructure:"poll_interval" json:"pollInterval,omitempty"`

	// SQLite sink.
	OnDisk    bool   `mapstructure:"on_disk" json:"onDisk,omitempty"`
	Directory string `mapstructure:"directory" json:"directory,omitempty"`

	// Postgres sink.
	ConnStr string `mapstructure:"conn_str" json:"connStr,omitempty"`
	ClearDB bool   `mapstructure:"clear_db" json:"clearDB,omitempty"`
}

// Gate toggles the setup-time compatibility checks and selects how runtime
// schema violations are treated.
type Gate struct {
	SkipVersionCheck bool   `mapstructure:"skip_version_check" json:"skipVersionCheck,omitempty"`
	SkipFeatureCheck bool   `mapstructure:"skip_feature_check" json:"skipFeatureCheck,omitempty"`
	SkipSchemaCheck  bool   `mapstructure:"skip_schema_check" json:"skipSchemaCheck,omitempty"`
	Validation       string `mapstructure:"validation" json:"validation,omitempty"`
}

// Broker holds the topology and the run parameters of the coordinating
// module. This is also the JSON body the broker accepts at /setup.
type Broker struct {
	Modules      map[string]Module `mapstructure:"modules" json:"modules"`
	Sink         Sink              `mapstructure:"sink" json:"sink"`
	Gate         Gate              `mapstructure:"gate" json:"gate"`
	StepTimeout  time.Duration     `mapstructure:"step_timeout" json:"stepTimeout,omitempty"`
	SetupTimeout time.Duration     `mapstructure:"setup_timeout" json:"setupTimeout,omitempty"`
}

// Server holds HTTP listener settings.
type Server struct {
	Host         string        `mapstructure:"host" json:"host"`
	Port         int           `mapstructure:"port" json:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"writeTimeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" json:"idleTimeout"`
}

// Addr returns the listen address in host:port form.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Log selects level and format for the structured logger.
type Log struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

// Config is the root configuration document.
type Config struct {
	Server Server `mapstructure:"server" json:"server"`
	Log    Log    `mapstructure:"log" json:"log"`
	Broker Broker `mapstructure:"broker" json:"broker"`
}

// Load reads configuration from the given file (YAML or JSON by extension),
// applying MOBSIM_* environment overrides and defaults. An empty path loads
// defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MOBSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "5m")
	v.SetDefault("server.idle_timeout", "120s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("broker.sink.type", SinkFile)
	v.SetDefault("broker.sink.path", "events.jsonl")
	v.SetDefault("broker.gate.validation", ValidationLog)
	v.SetDefault("broker.step_timeout", "5m")
	v.SetDefault("broker.setup_timeout", "1h")
}

// Normalize fills zero values of a broker section with the documented
// defaults. It lets the /setup body omit timeouts and validation mode.
func (b *Broker) Normalize() {
	if b.StepTimeout <= 0 {
		b.StepTimeout = 5 * time.Minute
	}
	if b.SetupTimeout <= 0 {
		b.SetupTimeout = time.Hour
	}
	if b.Gate.Validation == "" {
		b.Gate.Validation = ValidationLog
	}
	if b.Sink.Type == "" {
		b.Sink.Type = SinkMemory
	}
}

// BrokerName returns the name of the single entry tagged broker.
func (b Broker) BrokerName() (string, error) {
	var name string
	for n, m := range b.Modules {
		if m.Type != TypeBroker {
			continue
		}
		if name != "" {
			return "", fmt.Errorf("topology has multiple broker entries: %s and %s", name, n)
		}
		name = n
	}
	if name == "" {
		return "", fmt.Errorf("topology has no broker entry")
	}
	return name, nil
}

// Validate checks the topology for structural problems: module types must be
// known, exactly one broker entry must exist, and every non-broker module
// needs an endpoint.
func (b Broker) Validate() error {
	if _, err := b.BrokerName(); err != nil {
		return err
	}
	for name, m := range b.Modules {
		switch m.Type {
		case TypeBroker:
		case TypePlanner, TypeHTTP:
			if m.Endpoint == "" {
				return fmt.Errorf("module %s has no endpoint", name)
			}
		default:
			return fmt.Errorf("module %s has unknown type %q", name, m.Type)
		}
	}
	switch b.Gate.Validation {
	case "", ValidationFatal, ValidationLog, ValidationOff:
	default:
		return fmt.Errorf("unknown validation mode %q", b.Gate.Validation)
	}
	return nil
}

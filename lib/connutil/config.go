// Package connutil connects the bench: it reads where each instrument is
// attached from flags, environment and an optional config file, then opens
// verified instrument handles on demand.
package connutil

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SPECSWEEP_GPIB_PORT.
const EnvPrefix = "SPECSWEEP"

// ErrConfig marks an unusable station configuration.
var ErrConfig = errors.New("invalid station configuration")

// GPIBConfig describes the USB-GPIB adapter and the instruments behind it.
type GPIBConfig struct {
	Port        string
	Baud        int
	ReadTimeout time.Duration
	WriteDelay  time.Duration
	AR488       bool
	SRQPoll     time.Duration

	Analyzer         int
	Thermometer      int
	ThermometerInput string
	LockIn           int
}

// SerialDevice is an instrument on its own serial port. An empty Port is
// located by USB vendor id.
type SerialDevice struct {
	Port   string
	Baud   int
	Settle time.Duration
}

type SessionConfig struct {
	SRQTimeout time.Duration
	Retries    int
}

// StoreConfig selects where results go. Empty fields disable a sink.
type StoreConfig struct {
	CSVDir      string
	Endpoint    string
	AccessKey   string
	SecretKey   string
	Bucket      string
	Prefix      string
	Region      string
	SSL         bool
	DatabaseURL string
}

type LogConfig struct {
	Level string
	JSON  bool
}

// Config is the full station configuration.
type Config struct {
	GPIB      GPIBConfig
	Mono      SerialDevice
	ByteDelay time.Duration
	Shutter   SerialDevice
	Boot      time.Duration
	Session   SessionConfig
	Store     StoreConfig
	Log       LogConfig
}

var defaults = map[string]any{
	"gpib.port":              "/dev/ttyUSB0",
	"gpib.baud":              115200,
	"gpib.read_timeout":      time.Second,
	"gpib.write_delay":       100 * time.Millisecond,
	"gpib.ar488":             false,
	"gpib.srq_poll":          50 * time.Millisecond,
	"gpib.analyzer":          17,
	"gpib.thermometer":       14,
	"gpib.thermometer_input": "A",
	"gpib.lockin":            12,

	"mono.port":       "",
	"mono.baud":       9600,
	"mono.byte_delay": 50 * time.Millisecond,
	"mono.settle":     500 * time.Millisecond,

	"shutter.port":   "",
	"shutter.baud":   9600,
	"shutter.boot":   2 * time.Second,
	"shutter.settle": time.Second,

	"session.srq_timeout": 3 * time.Second,
	"session.retries":     3,

	"store.csv_dir":      ".",
	"store.endpoint":     "",
	"store.access_key":   "",
	"store.secret_key":   "",
	"store.bucket":       "sweeps",
	"store.prefix":       "",
	"store.region":       "",
	"store.ssl":          true,
	"store.database_url": "",

	"log.level": "info",
	"log.json":  false,
}

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"gpib-port":   "gpib.port",
	"analyzer":    "gpib.analyzer",
	"thermometer": "gpib.thermometer",
	"lockin":      "gpib.lockin",
	"ar488":       "gpib.ar488",
	"delay":       "gpib.write_delay",
	"mono-port":   "mono.port",
	"shutter":     "shutter.port",
	"retries":     "session.retries",
	"out":         "store.csv_dir",
	"db":          "store.database_url",
	"log-level":   "log.level",
	"log-json":    "log.json",
}

// AddFlags registers the station flags on fs.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("gpib-port", defaults["gpib.port"].(string), "serial port of the USB-GPIB adapter")
	fs.Int("analyzer", defaults["gpib.analyzer"].(int), "GPIB address of the 4200-SCS")
	fs.Int("thermometer", defaults["gpib.thermometer"].(int), "GPIB address of the LS331")
	fs.Int("lockin", defaults["gpib.lockin"].(int), "GPIB address of the 5302 lock-in")
	fs.Bool("ar488", false, "adapter is an Arduino AR488 rather than a Prologix")
	fs.Duration("delay", defaults["gpib.write_delay"].(time.Duration), "delay between GPIB writes")
	fs.String("mono-port", "", "serial port of the CM110 (default: first FTDI adapter)")
	fs.String("shutter", "", "serial port of the shutter (default: first Arduino)")
	fs.Int("retries", defaults["session.retries"].(int), "re-sends of a command whose completion is not signalled")
	fs.String("out", ".", "directory for CSV results")
	fs.String("db", "", "postgres URL of the run ledger")
	fs.String("log-level", "info", "log level")
	fs.Bool("log-json", false, "log JSON instead of console output")
}

// Load merges defaults, the optional YAML/TOML/JSON file, SPECSWEEP_*
// environment variables and the flags set on fs, in increasing precedence.
// fs may be nil.
func Load(fs *pflag.FlagSet, file string) (*Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: reading %s: %w", ErrConfig, file, err)
		}
	}
	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("%w: binding --%s: %w", ErrConfig, name, err)
				}
			}
		}
	}

	cfg := &Config{
		GPIB: GPIBConfig{
			Port:             v.GetString("gpib.port"),
			Baud:             v.GetInt("gpib.baud"),
			ReadTimeout:      v.GetDuration("gpib.read_timeout"),
			WriteDelay:       v.GetDuration("gpib.write_delay"),
			AR488:            v.GetBool("gpib.ar488"),
			SRQPoll:          v.GetDuration("gpib.srq_poll"),
			Analyzer:         v.GetInt("gpib.analyzer"),
			Thermometer:      v.GetInt("gpib.thermometer"),
			ThermometerInput: v.GetString("gpib.thermometer_input"),
			LockIn:           v.GetInt("gpib.lockin"),
		},
		Mono: SerialDevice{
			Port:   v.GetString("mono.port"),
			Baud:   v.GetInt("mono.baud"),
			Settle: v.GetDuration("mono.settle"),
		},
		ByteDelay: v.GetDuration("mono.byte_delay"),
		Shutter: SerialDevice{
			Port:   v.GetString("shutter.port"),
			Baud:   v.GetInt("shutter.baud"),
			Settle: v.GetDuration("shutter.settle"),
		},
		Boot: v.GetDuration("shutter.boot"),
		Session: SessionConfig{
			SRQTimeout: v.GetDuration("session.srq_timeout"),
			Retries:    v.GetInt("session.retries"),
		},
		Store: StoreConfig{
			CSVDir:      v.GetString("store.csv_dir"),
			Endpoint:    v.GetString("store.endpoint"),
			AccessKey:   v.GetString("store.access_key"),
			SecretKey:   v.GetString("store.secret_key"),
			Bucket:      v.GetString("store.bucket"),
			Prefix:      v.GetString("store.prefix"),
			Region:      v.GetString("store.region"),
			SSL:         v.GetBool("store.ssl"),
			DatabaseURL: v.GetString("store.database_url"),
		},
		Log: LogConfig{
			Level: v.GetString("log.level"),
			JSON:  v.GetBool("log.json"),
		},
	}
	return cfg, cfg.Validate()
}

// Validate checks addresses and counts.
func (c *Config) Validate() error {
	var errs []error
	for name, addr := range map[string]int{
		"analyzer":    c.GPIB.Analyzer,
		"thermometer": c.GPIB.Thermometer,
		"lockin":      c.GPIB.LockIn,
	} {
		if addr < 0 || addr > 30 {
			errs = append(errs, fmt.Errorf("%s GPIB address %d not in 0-30", name, addr))
		}
	}
	if c.GPIB.Port == "" {
		errs = append(errs, errors.New("no GPIB adapter port"))
	}
	if c.Session.Retries < 0 {
		errs = append(errs, fmt.Errorf("negative retries %d", c.Session.Retries))
	}
	if c.Store.Endpoint != "" && c.Store.Bucket == "" {
		errs = append(errs, errors.New("object store endpoint without bucket"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfig, errors.Join(errs...))
	}
	return nil
}

package config

import (
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"alma.local/evofuzz/analyzer"
	"alma.local/evofuzz/mutator"
	"alma.local/evofuzz/server"
)

// Config is the full fuzzer configuration. Zero durations are replaced by
// the executor's defaults.
type Config struct {
	// Threads is the worker count; zero or less means one per server.
	Threads       int    `yaml:"threads" mapstructure:"threads"`
	OutputFolder  string `yaml:"outputFolder" mapstructure:"outputFolder"`
	TracesFolder  string `yaml:"tracesFolder" mapstructure:"tracesFolder"`
	ArchiveFolder string `yaml:"archiveFolder" mapstructure:"archiveFolder"`
	ServersFolder string `yaml:"serversFolder" mapstructure:"serversFolder"`

	Servers []server.Config `yaml:"servers" mapstructure:"servers"`

	Serialize    bool `yaml:"serialize" mapstructure:"serialize"`
	NoOld        bool `yaml:"noOld" mapstructure:"noOld"`
	CleanStart   bool `yaml:"cleanStart" mapstructure:"cleanStart"`
	StartStopped bool `yaml:"startStopped" mapstructure:"startStopped"`
	Compress     bool `yaml:"compress" mapstructure:"compress"`

	BootTimeout    time.Duration `yaml:"bootTimeout" mapstructure:"bootTimeout"`
	AcquireTimeout time.Duration `yaml:"acquireTimeout" mapstructure:"acquireTimeout"`
	RunTimeout     time.Duration `yaml:"runTimeout" mapstructure:"runTimeout"`
	PauseInterval  time.Duration `yaml:"pauseInterval" mapstructure:"pauseInterval"`
	DialTimeout    time.Duration `yaml:"dialTimeout" mapstructure:"dialTimeout"`
	ReadTimeout    time.Duration `yaml:"readTimeout" mapstructure:"readTimeout"`

	// AgentPrefix is prepended to every restart command.
	AgentPrefix string `yaml:"agentPrefix" mapstructure:"agentPrefix"`
	MetricsAddr string `yaml:"metricsAddr" mapstructure:"metricsAddr"`
	Seed        int64  `yaml:"seed" mapstructure:"seed"`

	Mutator  mutator.Config         `yaml:"mutator" mapstructure:"mutator"`
	Alerts   analyzer.AlertConfig   `yaml:"alerts" mapstructure:"alerts"`
	Versions analyzer.VersionConfig `yaml:"versions" mapstructure:"versions"`
}

func Default() Config {
	return Config{
		Threads:        -1,
		OutputFolder:   "data",
		TracesFolder:   "traces",
		ArchiveFolder:  "archive",
		ServersFolder:  "server",
		Serialize:      true,
		BootTimeout:    60 * time.Second,
		AcquireTimeout: 60 * time.Second,
		PauseInterval:  time.Second,
		DialTimeout:    5 * time.Second,
		ReadTimeout:    2 * time.Second,
		Mutator: mutator.Config{
			AddMessage:     20,
			RemoveMessage:  1,
			AddRecord:      50,
			ModifyVariable: 50,
		},
		Alerts:   analyzer.DefaultAlertConfig(),
		Versions: analyzer.DefaultVersionConfig(),
	}
}

// Load reads a YAML file over Default.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "config: read")
	}
	return Parse(raw)
}

// Parse decodes YAML over Default. Unknown keys are an error.
func Parse(raw []byte) (Config, error) {
	var m map[string]interface{}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Config{}, errors.Wrap(err, "config: parse yaml")
	}
	cfg := Default()
	if err := Decode(m, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Decode applies m onto cfg, keeping fields m does not mention. A list in m
// replaces the default list instead of overwriting its first elements.
func Decode(m map[string]interface{}, cfg *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		ZeroFields:       true,
		Result:           cfg,
	})
	if err != nil {
		return errors.Wrap(err, "config: decoder")
	}
	if err := dec.Decode(m); err != nil {
		return errors.Wrap(err, "config: decode")
	}
	return nil
}

func (c Config) Validate() error {
	if err := c.Mutator.Validate(); err != nil {
		return err
	}
	if err := c.Alerts.Validate(); err != nil {
		return err
	}
	if err := c.Versions.Validate(); err != nil {
		return err
	}
	if c.OutputFolder == "" {
		return errors.New("config: outputFolder is required")
	}
	if c.TracesFolder == "" {
		return errors.New("config: tracesFolder is required")
	}
	for name, d := range map[string]time.Duration{
		"bootTimeout":    c.BootTimeout,
		"acquireTimeout": c.AcquireTimeout,
		"runTimeout":     c.RunTimeout,
		"pauseInterval":  c.PauseInterval,
		"dialTimeout":    c.DialTimeout,
		"readTimeout":    c.ReadTimeout,
	} {
		if d < 0 {
			return errors.Errorf("config: %s must not be negative", name)
		}
	}
	for i, s := range c.Servers {
		if s.RestartCommand == "" {
			return errors.Errorf("config: server %d has no restartCommand", i)
		}
	}
	return nil
}

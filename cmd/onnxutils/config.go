package main

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// defaultPasses is the optimizer pipeline used when neither the config file nor the flags set one.
var defaultPasses = []string{
	"convert-constant-to-initializer",
	"eliminate-identity",
	"eliminate-concat",
	"eliminate-single-input-variadic",
	"eliminate-unused-initializers",
}

// Config of the optimize and convert pipelines. It can be read from a YAML file (--config), and each field
// overridden by the corresponding flag.
type Config struct {
	Passes       []string `yaml:"passes"`
	Opset        int      `yaml:"opset"`
	SinceVersion bool     `yaml:"since_version"`
	QAT          bool     `yaml:"qat"`
	Fuse         bool     `yaml:"fuse"`
	Output       string   `yaml:"output"`
}

// loadConfig reads the configuration in filePath, or returns the default configuration if filePath is empty.
// Unknown fields are an error.
func loadConfig(filePath string) (*Config, error) {
	cfg := &Config{Passes: defaultPasses}
	if filePath == "" {
		return cfg, nil
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %q", filePath)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(contents))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %q", filePath)
	}
	if cfg.Opset < 0 {
		return nil, errors.Errorf("invalid opset %d in config file %q", cfg.Opset, filePath)
	}
	return cfg, nil
}

// applyFlags overrides cfg with the flags explicitly set in the command line. Flags not defined by the
// command are ignored.
func (cfg *Config) applyFlags(flags *pflag.FlagSet) error {
	var err error
	if flags.Changed("passes") {
		if cfg.Passes, err = flags.GetStringSlice("passes"); err != nil {
			return err
		}
	}
	if flags.Changed("opset") {
		if cfg.Opset, err = flags.GetInt("opset"); err != nil {
			return err
		}
	}
	if flags.Changed("since-version") {
		if cfg.SinceVersion, err = flags.GetBool("since-version"); err != nil {
			return err
		}
	}
	if flags.Changed("qat") {
		if cfg.QAT, err = flags.GetBool("qat"); err != nil {
			return err
		}
	}
	if flags.Changed("fuse") {
		if cfg.Fuse, err = flags.GetBool("fuse"); err != nil {
			return err
		}
	}
	if flags.Changed("output") {
		if cfg.Output, err = flags.GetString("output"); err != nil {
			return err
		}
	}
	return nil
}

// configFromCommand loads the --config file, if given, and applies the flags on top of it.
func configFromCommand(flags *pflag.FlagSet) (*Config, error) {
	configPath, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyFlags(flags); err != nil {
		return nil, err
	}
	return cfg, nil
}

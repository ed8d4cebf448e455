// Package config describes the gateway daemon's YAML configuration.
package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	yaml "github.com/zrepl/yaml-config"
)

type Config struct {
	Listen     string          `yaml:"listen" validate:"required"`
	Prefix     string          `yaml:"prefix,optional" validate:"omitempty,startswith=/"`
	Monitoring *Monitoring     `yaml:"monitoring,optional"`
	Logging    []LoggingOutlet `yaml:"logging,optional" validate:"dive"`
	Scopes     []Scope         `yaml:"scopes" validate:"min=1,dive"`
}

type Monitoring struct {
	Listen string `yaml:"listen" validate:"required"`
}

// Scope binds one scope label to an upstream service.
type Scope struct {
	Scope       string        `yaml:"scope,optional"`
	Protocol    string        `yaml:"protocol" validate:"required"`
	Upstream    string        `yaml:"upstream" validate:"required,uri"`
	CallTimeout time.Duration `yaml:"call_timeout,optional"`
}

type LoggingOutlet struct {
	Outlet        string        `yaml:"outlet,optional" validate:"omitempty,oneof=stdout tcp"`
	Level         string        `yaml:"level,optional" validate:"omitempty,oneof=debug info warn error"`
	Format        string        `yaml:"format,optional" validate:"omitempty,oneof=human logfmt json"`
	Time          bool          `yaml:"time,optional"`
	Net           string        `yaml:"net,optional"`
	Address       string        `yaml:"address,optional"`
	RetryInterval time.Duration `yaml:"retry_interval,optional"`
}

func ParseConfig(path string) (*Config, error) {
	if path == "" {
		// Try some default locations
		for _, l := range []string{"/etc/verdon/verdond.yml", "/usr/local/etc/verdon/verdond.yml"} {
			stat, statErr := os.Stat(l)
			if statErr == nil && stat.Mode().IsRegular() {
				path = l
				break
			}
		}
		if path == "" {
			return nil, errors.New("no config file found in default locations")
		}
	}
	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfigBytes(bytes)
}

func ParseConfigBytes(bytes []byte) (*Config, error) {
	var c Config
	if err := yaml.UnmarshalStrict(bytes, &c); err != nil {
		return nil, errors.Wrap(err, "config unmarshal failed")
	}
	if err := validator.New().Struct(&c); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}
	return &c, nil
}

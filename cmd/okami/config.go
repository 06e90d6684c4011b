package main

import (
	"errors"
	"io/ioutil"
	"os"

	"gopkg.in/yaml.v2"

	httpfrontend "github.com/okami-tracker/okami/frontend/http"
	"github.com/okami-tracker/okami/tracker"
	"github.com/okami-tracker/okami/tracker/bonus"
	"github.com/okami-tracker/okami/tracker/hitandrun"
)

// DriverConfig is the configuration for a named, registered driver.
type DriverConfig struct {
	Name   string      `yaml:"name"`
	Config interface{} `yaml:"config"`
}

// Config represents the configuration used for executing Okami.
type Config struct {
	tracker.Policy `yaml:",inline"`
	MetricsAddr    string               `yaml:"metrics_addr"`
	HTTPConfig     httpfrontend.Config  `yaml:"http"`
	Storage        DriverConfig         `yaml:"storage"`
	Backend        DriverConfig         `yaml:"backend"`
	HitAndRun      hitandrun.Config     `yaml:"hitandrun"`
	Bonus          bonus.Config         `yaml:"bonus"`
	PreHooks       []tracker.HookConfig `yaml:"prehooks"`
}

// CreateHooks creates instances of the pre-announce hooks from the
// names and options listed in the configuration.
func (cfg Config) CreateHooks() ([]tracker.Hook, error) {
	return tracker.HooksFromHookConfigs(cfg.PreHooks)
}

// ConfigFile represents a namespaced YAML configation file.
type ConfigFile struct {
	Okami Config `yaml:"okami"`
}

// ParseConfigFile returns a new ConfigFile given the path to a YAML
// configuration file.
//
// It supports relative and absolute paths and environment variables.
func ParseConfigFile(path string) (*ConfigFile, error) {
	if path == "" {
		return nil, errors.New("no config path specified")
	}

	f, err := os.Open(os.ExpandEnv(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	contents, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, err
	}

	var cfgFile ConfigFile
	err = yaml.Unmarshal(contents, &cfgFile)
	if err != nil {
		return nil, err
	}

	return &cfgFile, nil
}

// Package config loads the orchestrator's declarative configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// NewConfig returns a config object with default structures initialized.
// The config can be loaded from other sources to override the defaults.
func NewConfig() *Config {
	return &Config{
		Orchestrator: Orchestrator{
			Name:           "lilac",
			MaxConcurrency: 1,
			WorkerBackend:  "local",
			StateDir:       ".",
			BindAddr:       ":8080",
		},
		EnvVars: make(map[string]string),
	}
}

// LoadFromFile does as the name suggests, and loads the config from a
// file.
func (c *Config) LoadFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	return dec.Decode(c)
}

// Validate checks the invariants the batch controller depends on before
// any work starts.
func (c *Config) Validate() error {
	if c.Repository.RepoDir == "" {
		return fmt.Errorf("config: repository.repodir must be set")
	}
	if c.Orchestrator.MaxConcurrency < 1 {
		return fmt.Errorf("config: lilac.max_concurrency must be at least 1, got %d", c.Orchestrator.MaxConcurrency)
	}
	if c.Orchestrator.WorkerBackend == "queue" {
		if len(c.Queue.Brokers) == 0 {
			return fmt.Errorf("config: worker_backend queue requires queue.brokers")
		}
		if c.Queue.RequestTopic == "" || c.Queue.ResultTopic == "" {
			return fmt.Errorf("config: worker_backend queue requires queue.request_topic and queue.result_topic")
		}
	}
	return nil
}

// ApplyEnvVars exports the envvars section into the process environment,
// so build workers and pre/post-run commands inherit them.
func (c *Config) ApplyEnvVars() error {
	for k, v := range c.EnvVars {
		if err := os.Setenv(k, v); err != nil {
			return err
		}
	}
	return nil
}

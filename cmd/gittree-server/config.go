package main

import (
	"flag"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config mirrors the command line flags so deployments can keep their
// settings in a YAML file. Flags given explicitly win over the file.
type Config struct {
	Repo           string `yaml:"repo"`
	Ref            string `yaml:"ref"`
	Addr           string `yaml:"addr"`
	AuthKey        string `yaml:"auth_key"`
	RefreshSeconds int    `yaml:"refresh_seconds"`
	Author         struct {
		Name  string `yaml:"name"`
		Email string `yaml:"email"`
	} `yaml:"author"`

	Refresh time.Duration `yaml:"-"`
}

func defaultConfig() Config {
	return Config{Ref: "HEAD", Addr: ":8080", Refresh: 30 * time.Second}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if cfg.RefreshSeconds > 0 {
		cfg.Refresh = time.Duration(cfg.RefreshSeconds) * time.Second
	}
	return cfg, nil
}

// applyFlags overrides config values with flags set on the command
// line.
func (c *Config) applyFlags() {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "repo":
			c.Repo = *repoPath
		case "ref":
			c.Ref = *ref
		case "addr":
			c.Addr = *addr
		case "auth_key":
			c.AuthKey = *authKey
		case "refresh":
			c.Refresh = *refresh
		}
	})
}

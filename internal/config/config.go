package config

import (
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
)

type Config struct {
	BaseURL         string `yaml:"base-url" default:"http://localhost:8080"`
	ImageBaseURL    string `yaml:"image-base-url"`
	ImagePath       string `yaml:"image-path"`
	RewriteImages   bool   `yaml:"rewrite-images" default:"true"`
	TimeoutMs       int    `yaml:"timeout-ms" default:"10000"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	PasswordFile    string `yaml:"passwordFile"`
	SingleFlight    bool   `yaml:"single-flight" default:"true"`
	ShareGets       bool   `yaml:"share-gets"`
	Breaker         bool   `yaml:"breaker"`
	BreakerFailures int    `yaml:"breaker-failures" default:"5"`
	BreakerCooldown int    `yaml:"breaker-cooldown" default:"60"`
}

func (s *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	defaults.SetDefaults(s)

	type cfg Config

	if err := unmarshal((*cfg)(s)); err != nil {
		return err
	}

	return nil
}

func Default() *Config {
	c := &Config{}
	defaults.SetDefaults(c)

	return c
}

// Timeout is the deadline applied to every dispatch that does not carry its own.
func (s *Config) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// ImagePrefix is prepended to every value found under an "image" key.
func (s *Config) ImagePrefix() string {
	base := s.ImageBaseURL
	if base == "" {
		base = s.BaseURL
	}

	segment := strings.Trim(s.ImagePath, "/")
	if segment == "" {
		return base
	}

	return strings.TrimSuffix(base, "/") + "/" + segment + "/"
}

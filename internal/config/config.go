// Package config resolves the credentials and connection options of the
// instantcloud client. Each field is taken from the first source that sets
// it: command-line flag, environment, YAML config file, built-in default.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted when a flag is not given.
const (
	EnvAccessID  = "IC_ACCESS_ID"
	EnvSecretKey = "IC_SECRET_KEY"
	EnvBaseURL   = "IC_API_URL"
	EnvTimeout   = "IC_TIMEOUT"
)

// Defaults.
const (
	DefaultBaseURL      = "https://cloud.gurobi.com/api/"
	DefaultTimeout      = 30 * time.Second
	DefaultHeaderPrefix = "X-"
	DefaultFileName     = ".instantcloud.yaml"
)

var (
	ErrMissingAccessID  = errors.New("could not find access id: set it with --id or the " + EnvAccessID + " environment variable")
	ErrMissingSecretKey = errors.New("could not find secret key: set it with --key or the " + EnvSecretKey + " environment variable")
)

// Credentials identify and authenticate the account. They are immutable for
// the lifetime of the process.
type Credentials struct {
	AccessID  string
	SecretKey string
}

// Options is the fully resolved client configuration.
type Options struct {
	Credentials
	BaseURL      string
	Timeout      time.Duration
	HeaderPrefix string
}

// File is the on-disk YAML configuration.
type File struct {
	AccessID     string `yaml:"id"`
	SecretKey    string `yaml:"key"`
	BaseURL      string `yaml:"url"`
	Timeout      string `yaml:"timeout"`
	HeaderPrefix string `yaml:"header_prefix"`
}

// Flags carries explicitly given command-line values. Empty strings and a
// nil Timeout mean "not given".
type Flags struct {
	AccessID   string
	SecretKey  string
	BaseURL    string
	Timeout    *time.Duration
	ConfigPath string
}

// Resolve merges flags, environment and config file into Options. It fails
// with ErrMissingAccessID or ErrMissingSecretKey when no source supplies
// the credentials.
func Resolve(flags Flags, getenv func(string) string) (*Options, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	file, err := loadFile(flags.ConfigPath)
	if err != nil {
		return nil, err
	}

	opts := &Options{
		Credentials: Credentials{
			AccessID:  first(flags.AccessID, getenv(EnvAccessID), file.AccessID),
			SecretKey: first(flags.SecretKey, getenv(EnvSecretKey), file.SecretKey),
		},
		BaseURL:      first(flags.BaseURL, getenv(EnvBaseURL), file.BaseURL, DefaultBaseURL),
		Timeout:      DefaultTimeout,
		HeaderPrefix: first(file.HeaderPrefix, DefaultHeaderPrefix),
	}

	switch {
	case flags.Timeout != nil:
		opts.Timeout = *flags.Timeout
	case getenv(EnvTimeout) != "":
		if opts.Timeout, err = time.ParseDuration(getenv(EnvTimeout)); err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvTimeout, err)
		}
	case file.Timeout != "":
		if opts.Timeout, err = time.ParseDuration(file.Timeout); err != nil {
			return nil, fmt.Errorf("parse config timeout: %w", err)
		}
	}
	if opts.Timeout < 0 {
		return nil, fmt.Errorf("timeout must not be negative, got %s", opts.Timeout)
	}

	if !strings.HasSuffix(opts.BaseURL, "/") {
		opts.BaseURL += "/"
	}

	if opts.AccessID == "" {
		return nil, ErrMissingAccessID
	}
	if opts.SecretKey == "" {
		return nil, ErrMissingSecretKey
	}
	return opts, nil
}

// DefaultPath returns $HOME/.instantcloud.yaml, or "" when the home
// directory is unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, DefaultFileName)
}

// loadFile reads the YAML file at path. An empty path falls back to
// DefaultPath, which may be absent; an explicit path must exist.
func loadFile(path string) (File, error) {
	var f File
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
		if path == "" {
			return f, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return f, nil
		}
		return f, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse config %s: %w", path, err)
	}
	return f, nil
}

func first(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

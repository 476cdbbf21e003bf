// Package config declares the server configuration: listen addresses, the
// flat files to serve as tables, and client authentication. Configuration
// comes from a JSON file, command line flags, or both; flags win.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AuthMethod selects how clients authenticate during startup.
type AuthMethod string

const (
	// AuthTrust accepts every connection without credentials.
	AuthTrust AuthMethod = "trust"
	// AuthCleartext requires the configured username and password, exchanged
	// via AuthenticationCleartextPassword.
	AuthCleartext AuthMethod = "cleartext"
)

// SourceKind is the file format behind a table.
type SourceKind string

const (
	SourceCSV     SourceKind = "csv"
	SourceParquet SourceKind = "parquet"
)

// TableSpec names one file to expose as a SQL table.
type TableSpec struct {
	// Name is the table name clients query. Must be unique.
	Name string `json:"name"`
	// Kind is the file format.
	Kind SourceKind `json:"kind"`
	// Path is the file on disk.
	Path string `json:"path"`
}

// Auth is the client authentication policy.
type Auth struct {
	Method   AuthMethod `json:"method"`
	Username string     `json:"username,omitempty"`
	Password string     `json:"password,omitempty"`
}

// Config is the full server configuration.
type Config struct {
	// Listen addresses in host:port form. At least one is required.
	Listen []string `json:"listen"`
	// Tables to register at startup.
	Tables []TableSpec `json:"tables"`
	// Auth defaults to trust when the method is empty.
	Auth Auth `json:"auth"`
	// ServerVersion is reported to clients via ParameterStatus.
	ServerVersion string `json:"server_version,omitempty"`
}

// Default returns a Config with the defaults applied: no listeners, no
// tables, trust auth.
func Default() *Config {
	return &Config{
		Auth:          Auth{Method: AuthTrust},
		ServerVersion: "15.0 (flatgres)",
	}
}

// Load reads a JSON config file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseTableSpec parses a "name=path" or bare "path" flag value. A bare path
// derives the table name from the file name without its extension.
func ParseTableSpec(kind SourceKind, value string) (TableSpec, error) {
	name, path, found := strings.Cut(value, "=")
	if !found {
		path = value
		base := filepath.Base(path)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if name == "" || path == "" {
		return TableSpec{}, fmt.Errorf("invalid table spec %q: want name=path or path", value)
	}
	return TableSpec{Name: name, Kind: kind, Path: path}, nil
}

// Validate checks the whole configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Listen) == 0 {
		errs = append(errs, errors.New("no listen address configured"))
	}

	switch c.Auth.Method {
	case AuthTrust:
	case AuthCleartext:
		if c.Auth.Username == "" || c.Auth.Password == "" {
			errs = append(errs, errors.New("cleartext auth requires username and password"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown auth method %q", c.Auth.Method))
	}

	seen := make(map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("table for %q has no name", t.Path))
			continue
		}
		if seen[t.Name] {
			errs = append(errs, fmt.Errorf("duplicate table name %q", t.Name))
		}
		seen[t.Name] = true

		if t.Kind != SourceCSV && t.Kind != SourceParquet {
			errs = append(errs, fmt.Errorf("table %q: unknown kind %q", t.Name, t.Kind))
		}
		if st, err := os.Stat(t.Path); err != nil {
			errs = append(errs, fmt.Errorf("table %q: %w", t.Name, err))
		} else if st.IsDir() {
			errs = append(errs, fmt.Errorf("table %q: %s is a directory", t.Name, t.Path))
		}
	}

	return errors.Join(errs...)
}

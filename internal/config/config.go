// Package config loads the agent's sectioned configuration file.
//
// The file is ini-style: one [m2m] section for the broker link, plus any
// number of [terminal:<name>] and [portforward:<name>] sections describing
// the services the broker may open.
package config

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/ini.v1"
)

// DefaultURL is the production broker endpoint.
const DefaultURL = "wss://m2m.dataplicity.com/m2m/"

// M2M holds the broker link settings from the [m2m] section.
type M2M struct {
	Enabled bool

	// URL of the broker WebSocket endpoint (wss:// or ws:// for development).
	URL string

	// Identity is a fixed UUID, used with internal development brokers only.
	// Production nodes are assigned an identity by the broker.
	Identity string

	// VerifyTLS controls broker certificate verification. It defaults to on;
	// turning it off is for development endpoints with self-signed certs.
	VerifyTLS bool
}

// Terminal describes one [terminal:<name>] section.
type Terminal struct {
	Name    string
	Command string
	User    string
	Group   string
}

// PortForward describes one [portforward:<name>] section.
type PortForward struct {
	Name string
	Port int
}

// Config is the fully parsed configuration file.
type Config struct {
	M2M          M2M
	Terminals    []Terminal
	PortForwards []PortForward
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return parse(file)
}

// LoadBytes parses configuration from an in-memory byte slice.
func LoadBytes(data []byte) (*Config, error) {
	file, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return parse(file)
}

func parse(file *ini.File) (*Config, error) {
	cfg := &Config{}

	m2m := file.Section("m2m")
	cfg.M2M.Enabled = m2m.Key("enabled").MustBool(true)
	cfg.M2M.URL = m2m.Key("url").MustString(DefaultURL)
	cfg.M2M.Identity = m2m.Key("identity").String()
	cfg.M2M.VerifyTLS = m2m.Key("verify_tls").MustBool(true)

	if cfg.M2M.Identity != "" {
		if _, err := uuid.Parse(cfg.M2M.Identity); err != nil {
			return nil, fmt.Errorf("[m2m] identity is not a valid UUID: %w", err)
		}
	}

	for _, section := range file.Sections() {
		switch {
		case strings.HasPrefix(section.Name(), "terminal:"):
			name := strings.TrimPrefix(section.Name(), "terminal:")
			if name == "" {
				return nil, fmt.Errorf("terminal section is missing a name")
			}
			cfg.Terminals = append(cfg.Terminals, Terminal{
				Name:    name,
				Command: section.Key("command").MustString("bash"),
				User:    section.Key("user").String(),
				Group:   section.Key("group").String(),
			})

		case strings.HasPrefix(section.Name(), "portforward:"):
			name := strings.TrimPrefix(section.Name(), "portforward:")
			if name == "" {
				return nil, fmt.Errorf("portforward section is missing a name")
			}
			if !section.Key("enabled").MustBool(true) {
				continue
			}
			port := section.Key("port").MustInt(80)
			if port < 1 || port > 65535 {
				return nil, fmt.Errorf("portforward '%s': invalid port %d", name, port)
			}
			cfg.PortForwards = append(cfg.PortForwards, PortForward{
				Name: name,
				Port: port,
			})
		}
	}

	return cfg, nil
}

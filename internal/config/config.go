// Package config loads the site configuration document described in
// spec.md §6.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Endpoint is a host/port pair used for both listen addresses and peer
// dial targets.
type Endpoint struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Peer is one entry in remote_servers: a configured Exchange Node this
// site maintains a dual-channel link to.
type Peer struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (p Peer) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// Config is the top-level document: server_name, chat_server,
// exchange_server, remote_servers.
type Config struct {
	ServerName     string   `yaml:"server_name"`
	ChatServer     Endpoint `yaml:"chat_server"`
	ExchangeServer Endpoint `yaml:"exchange_server"`
	RemoteServers  []Peer   `yaml:"remote_servers"`

	// CredentialsFile is not part of the spec's configuration keys
	// (the credential file's own format/loader is out of scope, but
	// this process still needs a path to find it); it defaults below
	// when left unset in the document.
	CredentialsFile string `yaml:"credentials_file"`
}

// Load reads and parses a YAML configuration document from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if cfg.CredentialsFile == "" {
		cfg.CredentialsFile = "credentials.txt"
	}

	return &cfg, nil
}

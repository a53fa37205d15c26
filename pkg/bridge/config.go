// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"fmt"
	"os"
	"text/template"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the full bridge configuration, loaded from a single YAML file.
type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	Appservice AppserviceConfig  `yaml:"appservice"`
	XMPP       XMPPConfig        `yaml:"xmpp"`
	Bridge     BridgeConfig      `yaml:"bridge"`
	Database   dbutil.Config     `yaml:"database"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

type HomeserverConfig struct {
	// Address is the client-server API base URL of the homeserver.
	Address string `yaml:"address"`
	// Domain is the server name used in user IDs and room aliases.
	Domain string `yaml:"domain"`
}

type AppserviceConfig struct {
	// Address is the listen address for the inbound transaction endpoint.
	Address string `yaml:"address"`
	ID      string `yaml:"id"`
	ASToken string `yaml:"as_token"`
	HSToken string `yaml:"hs_token"`

	Bot BotConfig `yaml:"bot"`
}

type BotConfig struct {
	Username    string `yaml:"username"`
	Displayname string `yaml:"displayname"`
}

type XMPPConfig struct {
	// Domain is the bridge's own XMPP (component) domain. Puppet JIDs live
	// under this domain.
	Domain string `yaml:"domain"`
	// ComponentAddr is the host:port of the component socket on the local
	// XMPP server.
	ComponentAddr string `yaml:"component_addr"`
	Secret        string `yaml:"secret"`
	// ConferenceNick is the nickname the bridge itself occupies in every
	// bridged conference.
	ConferenceNick string `yaml:"conference_nick"`
}

type BridgeConfig struct {
	// AliasPrefix sits between the alias sigil and the conference address,
	// including its trailing underscore, e.g. "xmpp_".
	AliasPrefix string `yaml:"alias_prefix"`
	// GhostPrefix is prepended to sanitized nicknames to form ghost user
	// localparts, e.g. "_xmpp_".
	GhostPrefix string `yaml:"ghost_prefix"`
	// DisplaynameTemplate renders ghost display names from the occupant
	// nickname.
	DisplaynameTemplate string `yaml:"displayname_template"`
	// EventWorkers bounds parallelism across events within one inbound
	// transaction.
	EventWorkers int `yaml:"event_workers"`

	displaynameTemplate *template.Template `yaml:"-"`
}

// DisplaynameParams holds the parameters for rendering the ghost
// display-name template.
type DisplaynameParams struct {
	Nick string
}

// Load reads and post-processes a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PostProcess fills defaults and compiles templates. Must be called before
// the config is used.
func (c *Config) PostProcess() error {
	if c.Bridge.AliasPrefix == "" {
		c.Bridge.AliasPrefix = "xmpp_"
	}
	if c.Bridge.GhostPrefix == "" {
		c.Bridge.GhostPrefix = "_xmpp_"
	}
	if c.Bridge.DisplaynameTemplate == "" {
		c.Bridge.DisplaynameTemplate = "{{.Nick}} (XMPP)"
	}
	if c.Bridge.EventWorkers <= 0 {
		c.Bridge.EventWorkers = 4
	}
	if c.XMPP.ConferenceNick == "" {
		c.XMPP.ConferenceNick = "MatrixBridge"
	}
	var err error
	c.Bridge.displaynameTemplate, err = template.New("displayname").Parse(c.Bridge.DisplaynameTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse displayname template: %w", err)
	}
	return nil
}

// FormatDisplayname generates a ghost display name from the template. Falls
// back to the raw nickname if the template fails to render.
func (bc *BridgeConfig) FormatDisplayname(nick string) string {
	if bc.displaynameTemplate == nil {
		return nick
	}
	var buf []byte
	err := bc.displaynameTemplate.Execute((*templateBuffer)(&buf), DisplaynameParams{Nick: nick})
	if err != nil {
		return nick
	}
	return string(buf)
}

// templateBuffer is a simple io.Writer that appends to a byte slice.
type templateBuffer []byte

func (b *templateBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}

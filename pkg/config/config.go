package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/ghjm/cspnet/pkg/proto"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Global Global          `yaml:"global"`
	Nodes  map[string]Node `yaml:"nodes"`
}

type Global struct {
	Layout   proto.Layout `yaml:"layout"`
	HopLimit uint8        `yaml:"hop_limit"`
}

type Node struct {
	Address           proto.Address `yaml:"address"`
	Hostname          string        `yaml:"hostname"`
	Model             string        `yaml:"model"`
	Revision          string        `yaml:"revision"`
	Buffers           Buffers       `yaml:"buffers"`
	Connections       Connections   `yaml:"connections"`
	RouterQueueLength int           `yaml:"router_queue_length"`
	HMACKey           string        `yaml:"hmac_key"`
	XTEAKey           string        `yaml:"xtea_key"`
	Interfaces        []Interface   `yaml:"interfaces"`
	Routes            []string      `yaml:"routes"`
	Log               Log           `yaml:"log"`
}

type Buffers struct {
	Count int `yaml:"count"`
	Size  int `yaml:"size"`
}

type Connections struct {
	Max         int           `yaml:"max"`
	QueueLength int           `yaml:"queue_length"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type Interface struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Params Params `yaml:"params"`
}

type Log struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

var ErrUnknownNode = fmt.Errorf("node not found in config")

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	config := &Config{}
	err := yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}
	err = config.Global.GetLayout().Validate()
	if err != nil {
		return nil, err
	}
	return config, nil
}

// GetLayout returns the configured header layout, or the default layout if none is configured.
func (g *Global) GetLayout() proto.Layout {
	if g.Layout.AddrBits == 0 && g.Layout.PortBits == 0 {
		return proto.DefaultLayout
	}
	return g.Layout
}

// GetHopLimit returns the configured hop limit, or the default if none is configured.
func (g *Global) GetHopLimit() uint8 {
	if g.HopLimit == 0 {
		return proto.DefaultHopLimit
	}
	return g.HopLimit
}

// GetNode returns the named node
func (c *Config) GetNode(id string) (Node, error) {
	n, ok := c.Nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	return n, nil
}

// HMACKeyBytes decodes the hex HMAC key
func (n *Node) HMACKeyBytes() ([]byte, error) {
	return decodeKey("hmac_key", n.HMACKey)
}

// XTEAKeyBytes decodes the hex XTEA key
func (n *Node) XTEAKeyBytes() ([]byte, error) {
	return decodeKey("xtea_key", n.XTEAKey)
}

func decodeKey(name string, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	k, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", name, err)
	}
	return k, nil
}

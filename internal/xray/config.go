// Package xray generates xray-core configuration for vmess nodes and
// controls the long-running xray service.
package xray

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"subman/internal/model"
)

// DefaultSocksPort is the inbound port written into the permanent config
// by `subman use`. Ephemeral test instances get per-probe ports instead.
const DefaultSocksPort = 1080

// Config is the subset of the xray-core config schema this tool emits:
// one local SOCKS5 inbound and one vmess outbound for the chosen node.
type Config struct {
	Log       LogConfig  `json:"log"`
	Inbounds  []Inbound  `json:"inbounds"`
	Outbounds []Outbound `json:"outbounds"`
}

type LogConfig struct {
	Loglevel string `json:"loglevel"`
}

type Inbound struct {
	Port     int             `json:"port"`
	Listen   string          `json:"listen"`
	Protocol string          `json:"protocol"`
	Settings InboundSettings `json:"settings"`
}

type InboundSettings struct {
	UDP bool `json:"udp"`
}

type Outbound struct {
	Protocol       string           `json:"protocol"`
	Settings       OutboundSettings `json:"settings"`
	StreamSettings *StreamSettings  `json:"streamSettings,omitempty"`
}

type OutboundSettings struct {
	Vnext []Vnext `json:"vnext"`
}

type Vnext struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Users   []User `json:"users"`
}

type User struct {
	ID       string `json:"id"`
	AlterID  int    `json:"alterId"`
	Security string `json:"security"`
}

type StreamSettings struct {
	Network     string       `json:"network"`
	Security    string       `json:"security,omitempty"`
	WSSettings  *WSSettings  `json:"wsSettings,omitempty"`
	TCPSettings *TCPSettings `json:"tcpSettings,omitempty"`
	TLSSettings *TLSSettings `json:"tlsSettings,omitempty"`
}

type WSSettings struct {
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type TCPSettings struct {
	Header TCPHeader `json:"header"`
}

type TCPHeader struct {
	Type    string      `json:"type"`
	Request HTTPRequest `json:"request"`
}

type HTTPRequest struct {
	Path    []string            `json:"path"`
	Headers map[string][]string `json:"headers"`
}

type TLSSettings struct {
	ServerName  string   `json:"serverName,omitempty"`
	ALPN        []string `json:"alpn,omitempty"`
	Fingerprint string   `json:"fingerprint,omitempty"`
}

// Generate builds the config routing a local SOCKS5 inbound on socksPort
// to the given node.
func Generate(node model.Node, socksPort int) Config {
	return Config{
		Log: LogConfig{Loglevel: "warning"},
		Inbounds: []Inbound{{
			Port:     socksPort,
			Listen:   "127.0.0.1",
			Protocol: "socks",
			Settings: InboundSettings{UDP: true},
		}},
		Outbounds: []Outbound{{
			Protocol: "vmess",
			Settings: OutboundSettings{Vnext: []Vnext{{
				Address: node.Address,
				Port:    node.Port,
				Users: []User{{
					ID:       node.ID,
					AlterID:  node.AlterID,
					Security: "auto",
				}},
			}}},
			StreamSettings: streamSettings(node),
		}},
	}
}

func streamSettings(node model.Node) *StreamSettings {
	ss := &StreamSettings{Network: node.Network}
	if ss.Network == "" {
		ss.Network = "tcp"
	}

	if node.Network == "ws" {
		ws := &WSSettings{Path: node.Path}
		if node.Host != "" {
			ws.Headers = map[string]string{"Host": node.Host}
		}
		ss.WSSettings = ws
	}

	if ss.Network == "tcp" && node.HeaderType == "http" {
		path := node.Path
		if path == "" {
			path = "/"
		}
		host := node.Host
		if host == "" {
			host = node.Address
		}
		ss.TCPSettings = &TCPSettings{Header: TCPHeader{
			Type: "http",
			Request: HTTPRequest{
				Path:    []string{path},
				Headers: map[string][]string{"Host": {host}},
			},
		}}
	}

	if node.TLS == "tls" {
		ss.Security = "tls"
		tls := &TLSSettings{Fingerprint: node.Fingerprint}
		switch {
		case node.SNI != "":
			tls.ServerName = node.SNI
		case node.Host != "":
			tls.ServerName = node.Host
		}
		if node.ALPN != "" {
			tls.ALPN = strings.Split(node.ALPN, ",")
		}
		ss.TLSSettings = tls
	}

	return ss
}

// WriteConfig writes the generated config for node to path.
func WriteConfig(node model.Node, path string, socksPort int) error {
	data, err := json.MarshalIndent(Generate(node, socksPort), "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write xray config %s: %w", path, err)
	}
	return nil
}

// ActiveNode is the outbound endpoint extracted from an xray config file.
type ActiveNode struct {
	Address string
	Port    int
	UserID  string
}

// ReadActiveNode extracts the first vmess outbound from an existing config.
// Returns false if the file is missing or not in the expected shape.
func ReadActiveNode(path string) (ActiveNode, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ActiveNode{}, false
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ActiveNode{}, false
	}
	if len(cfg.Outbounds) == 0 || len(cfg.Outbounds[0].Settings.Vnext) == 0 {
		return ActiveNode{}, false
	}

	vnext := cfg.Outbounds[0].Settings.Vnext[0]
	active := ActiveNode{Address: vnext.Address, Port: vnext.Port}
	if len(vnext.Users) > 0 {
		active.UserID = vnext.Users[0].ID
	}
	return active, true
}

// FindActiveIndex locates the registry node matching the active endpoint.
func FindActiveIndex(nodes []model.Node, active ActiveNode) (int, bool) {
	for i, n := range nodes {
		if n.Address == active.Address && n.Port == active.Port && n.ID == active.UserID {
			return i, true
		}
	}
	return 0, false
}

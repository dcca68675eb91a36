package model

import (
	"fmt"
	"time"
)

// ProbeStatus classifies the outcome of a single latency probe.
type ProbeStatus string

const (
	// StatusUntested means no probe has run for this node/mode yet.
	StatusUntested ProbeStatus = ""
	// StatusOK means the probe succeeded and Millis is valid.
	StatusOK ProbeStatus = "ok"
	// StatusTimeout means the probe exceeded its configured bound.
	StatusTimeout ProbeStatus = "timeout"
	// StatusConnectFailed means the remote refused or was unreachable.
	StatusConnectFailed ProbeStatus = "connect_failed"
	// StatusRequestFailed means the HTTP request through the proxy failed
	// or returned a non-success status.
	StatusRequestFailed ProbeStatus = "request_failed"
	// StatusStartupFailed means the ephemeral daemon never became ready.
	StatusStartupFailed ProbeStatus = "startup_failed"
	// StatusCancelled means the test run was cancelled before the probe
	// completed. Not a negative signal about the node.
	StatusCancelled ProbeStatus = "cancelled"
	// StatusResourceError means port or temp-file allocation failed.
	StatusResourceError ProbeStatus = "resource_error"
)

// Tested reports whether a probe ran to a real conclusion.
func (s ProbeStatus) Tested() bool {
	return s != StatusUntested && s != StatusCancelled
}

// Latency is the last-known measurement for one node under one mode.
type Latency struct {
	Status ProbeStatus `yaml:"status,omitempty"`
	Millis int64       `yaml:"millis,omitempty"`
}

// String renders a latency cell for table output.
func (l Latency) String() string {
	switch l.Status {
	case StatusOK:
		return fmt.Sprintf("%dms", l.Millis)
	case StatusUntested:
		return "-"
	default:
		return string(l.Status)
	}
}

// Node is one candidate proxy endpoint from a subscription feed.
// The vmess credential fields are carried verbatim into daemon config
// generation and are otherwise opaque to the rest of the tool.
type Node struct {
	Name        string `yaml:"name"`
	Address     string `yaml:"address"`
	Port        int    `yaml:"port"`
	ID          string `yaml:"id"`
	AlterID     int    `yaml:"alter_id,omitempty"`
	Network     string `yaml:"network,omitempty"`
	HeaderType  string `yaml:"header_type,omitempty"`
	Host        string `yaml:"host,omitempty"`
	Path        string `yaml:"path,omitempty"`
	TLS         string `yaml:"tls,omitempty"`
	SNI         string `yaml:"sni,omitempty"`
	ALPN        string `yaml:"alpn,omitempty"`
	Fingerprint string `yaml:"fingerprint,omitempty"`

	TCP  Latency `yaml:"tcp,omitempty"`
	HTTP Latency `yaml:"http,omitempty"`

	LastTestedAt time.Time `yaml:"last_tested_at,omitempty"`
}

// DisplayName returns the feed-provided name, falling back to address:port.
func (n Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return fmt.Sprintf("%s:%d", n.Address, n.Port)
}

// Target returns the node's dialable "host:port" endpoint.
func (n Node) Target() string {
	return fmt.Sprintf("%s:%d", n.Address, n.Port)
}

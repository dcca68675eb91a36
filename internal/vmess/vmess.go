// Package vmess decodes vmess:// share links into nodes.
//
// A vmess link is "vmess://" followed by base64 (any of the four common
// variants) of a JSON object. Feeds in the wild encode port and alterId
// as either a number or a string, so both are accepted.
package vmess

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"subman/internal/model"
)

const linkPrefix = "vmess://"

// flexInt unmarshals a JSON number or numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("not a number: %q", s)
	}
	*f = flexInt(n)
	return nil
}

type link struct {
	V           flexInt `json:"v"`
	Name        string  `json:"ps"`
	Address     string  `json:"add"`
	Port        flexInt `json:"port"`
	ID          string  `json:"id"`
	AlterID     flexInt `json:"aid"`
	Network     string  `json:"net"`
	HeaderType  string  `json:"type"`
	Host        string  `json:"host"`
	Path        string  `json:"path"`
	TLS         string  `json:"tls"`
	SNI         string  `json:"sni"`
	ALPN        string  `json:"alpn"`
	Fingerprint string  `json:"fp"`
}

// ParseLink decodes a single vmess:// link into a node.
func ParseLink(raw string) (model.Node, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, linkPrefix) {
		return model.Node{}, fmt.Errorf("not a vmess link: %q", truncate(raw, 32))
	}

	payload, err := DecodeBase64(raw[len(linkPrefix):])
	if err != nil {
		return model.Node{}, fmt.Errorf("decode vmess link: %w", err)
	}

	var l link
	if err := json.Unmarshal(payload, &l); err != nil {
		return model.Node{}, fmt.Errorf("parse vmess link JSON: %w", err)
	}
	if l.Address == "" {
		return model.Node{}, fmt.Errorf("vmess link missing address")
	}

	port := int(l.Port)
	if port <= 0 || port > 65535 {
		port = 443
	}

	return model.Node{
		Name:        l.Name,
		Address:     l.Address,
		Port:        port,
		ID:          l.ID,
		AlterID:     int(l.AlterID),
		Network:     l.Network,
		HeaderType:  l.HeaderType,
		Host:        l.Host,
		Path:        l.Path,
		TLS:         l.TLS,
		SNI:         l.SNI,
		ALPN:        l.ALPN,
		Fingerprint: l.Fingerprint,
	}, nil
}

// DecodeBase64 tries the four common base64 variants in turn. Subscription
// feeds are inconsistent about padding and URL-safe alphabets.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		out, err := enc.DecodeString(s)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

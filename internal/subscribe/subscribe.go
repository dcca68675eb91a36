// Package subscribe fetches and decodes vmess subscription feeds.
package subscribe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"subman/internal/model"
	"subman/internal/vmess"
)

const (
	fetchTimeout = 30 * time.Second
	userAgent    = "subman/0.1"

	// Feeds can be large but are text; cap reads defensively.
	maxFeedBytes = 16 << 20
)

// Fetch downloads a subscription feed and parses it into nodes.
func Fetch(ctx context.Context, url string) ([]model.Node, error) {
	client := &http.Client{Timeout: fetchTimeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch subscription: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch subscription: %s", res.Status)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("read subscription body: %w", err)
	}

	return Parse(string(body))
}

// Parse decodes a base64 feed body into nodes. Lines that are not valid
// vmess links are skipped rather than failing the whole feed; a feed
// with zero usable nodes is an error.
func Parse(content string) ([]model.Node, error) {
	decoded, err := vmess.DecodeBase64(strings.TrimSpace(content))
	if err != nil {
		return nil, fmt.Errorf("subscription is not base64: %w", err)
	}

	var nodes []model.Node
	for _, line := range strings.Split(string(decoded), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "vmess://") {
			continue
		}
		node, err := vmess.ParseLink(line)
		if err != nil {
			continue
		}
		nodes = append(nodes, node)
	}

	if len(nodes) == 0 {
		return nil, fmt.Errorf("no valid vmess nodes in subscription")
	}
	return nodes, nil
}

// Merge folds freshly fetched nodes into the existing set, carrying over
// prior measurements for nodes that are still present. Identity is
// (address, port, id): renames in the feed keep their history.
func Merge(existing, fetched []model.Node) []model.Node {
	type key struct {
		addr string
		port int
		id   string
	}
	prior := make(map[key]model.Node, len(existing))
	for _, n := range existing {
		prior[key{n.Address, n.Port, n.ID}] = n
	}

	merged := make([]model.Node, 0, len(fetched))
	for _, n := range fetched {
		if old, ok := prior[key{n.Address, n.Port, n.ID}]; ok {
			n.TCP = old.TCP
			n.HTTP = old.HTTP
			n.LastTestedAt = old.LastTestedAt
		}
		merged = append(merged, n)
	}
	return merged
}

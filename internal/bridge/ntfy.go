package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// NtfyClient talks to an ntfy-compatible pub/sub relay: plain HTTP POST to
// publish, line-delimited JSON to poll. It implements Publisher.
type NtfyClient struct {
	serverURL string
	topic     string
	client    *http.Client
}

func NewNtfyClient(serverURL, topic string) *NtfyClient {
	return &NtfyClient{
		serverURL: strings.TrimRight(serverURL, "/"),
		topic:     topic,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (n *NtfyClient) topicURL() string {
	return n.serverURL + "/" + n.topic
}

// Publish posts content to the topic with the given tags.
func (n *NtfyClient) Publish(content string, tags []string) error {
	req, err := http.NewRequest(http.MethodPost, n.topicURL(), strings.NewReader(content))
	if err != nil {
		return fmt.Errorf("build publish request: %w", err)
	}
	if len(tags) > 0 {
		req.Header.Set("X-Tags", strings.Join(tags, ","))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", n.topicURL(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("publish to %s: unexpected status %s", n.topicURL(), resp.Status)
	}
	return nil
}

// Poll fetches events published after sinceID ("all" on first call) and
// returns them in publication order.
func (n *NtfyClient) Poll(ctx context.Context, sinceID string) ([]ExternalEvent, error) {
	if sinceID == "" {
		sinceID = "all"
	}
	url := fmt.Sprintf("%s/json?poll=1&since=%s", n.topicURL(), sinceID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll %s: unexpected status %s", url, resp.Status)
	}

	var events []ExternalEvent
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev ExternalEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			// Skip malformed lines rather than abort the whole poll.
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("read poll response: %w", err)
	}
	return events, nil
}

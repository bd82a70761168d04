package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// LogSet is a named group of logs on the provider side.
type LogSet struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// LogInfo describes one queryable log and the log sets it belongs to.
type LogInfo struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	LogSets []LogSet `json:"logsets_info"`
}

// ListLogSets enumerates the log sets visible to the configured key.
func (c *Client) ListLogSets(ctx context.Context) ([]LogSet, error) {
	var out struct {
		LogSets []LogSet `json:"logsets"`
	}
	if err := c.getManagement(ctx, "/management/logsets", &out); err != nil {
		return nil, err
	}
	return out.LogSets, nil
}

// ListLogs enumerates the logs visible to the configured key.
func (c *Client) ListLogs(ctx context.Context) ([]LogInfo, error) {
	var out struct {
		Logs []LogInfo `json:"logs"`
	}
	if err := c.getManagement(ctx, "/management/logs", &out); err != nil {
		return nil, err
	}
	return out.Logs, nil
}

func (c *Client) getManagement(ctx context.Context, path string, dst any) error {
	url := baseJoin(c.cfg.BaseURL, path)
	resp, err := c.do(ctx, url)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", ErrProtocol, path, err)
	}
	return nil
}

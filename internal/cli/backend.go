package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/reforgermon/reforgermon/internal/sysinfo"
)

// BackendClient reads from a running ReforgerMon API.
type BackendClient struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// NewBackendClient creates a client for the API at baseURL, e.g.
// http://127.0.0.1:5000. An empty username sends no credentials.
func NewBackendClient(baseURL, username, password string) *BackendClient {
	return &BackendClient{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

// OSMetrics fetches /api/data/osmetrics.
func (b *BackendClient) OSMetrics(ctx context.Context) (sysinfo.OSData, error) {
	var data sysinfo.OSData

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/data/osmetrics", nil)
	if err != nil {
		return data, fmt.Errorf("build metrics request: %w", err)
	}
	if b.username != "" {
		req.SetBasicAuth(b.username, b.password)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return data, fmt.Errorf("fetch metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return data, fmt.Errorf("fetch metrics: backend returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return data, fmt.Errorf("decode metrics: %w", err)
	}
	return data, nil
}

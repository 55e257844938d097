package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client uploads generated report JSON to the external report blob storage
// over its REST API. Optional: a nil client disables archiving.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// New creates an archive client.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// StoreResult is the storage service's response after a successful upload.
type StoreResult struct {
	Key   string `json:"key"`
	URL   string `json:"url"`
	Bytes int    `json:"bytes"`
}

// StoreReport uploads one report document under reports/<kind>/<date>.
func (c *Client) StoreReport(ctx context.Context, kind, date string, report any) (*StoreResult, error) {
	body, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("archive: encode report failed: %w", err)
	}

	url := fmt.Sprintf("%s/v1/blobs/reports/%s/%s.json", c.BaseURL, kind, date)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("archive: create request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("archive: upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("archive: upload error %s: %s", resp.Status, string(respBody))
	}

	var out StoreResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// Some storage backends return an empty body on success.
		return &StoreResult{Key: fmt.Sprintf("reports/%s/%s.json", kind, date), Bytes: len(body)}, nil
	}
	return &out, nil
}

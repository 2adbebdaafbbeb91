// Package remote is a client for the external reminder-sync server. The
// server's contract is consumed as-is: three JSON endpoints returning 200
// on success.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"conecta-bridge/models"
)

type Client struct {
	baseURL string
	httpc   *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 10 * time.Second},
	}
}

type saveRequest struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Hour   int    `json:"hour"`
	Minute int    `json:"minute"`
}

type deleteRequest struct {
	ID string `json:"id"`
}

// Save pushes one reminder to the sync server.
func (c *Client) Save(ctx context.Context, r models.Reminder) error {
	body := saveRequest{ID: r.ID, Text: r.Text, Hour: r.Hour, Minute: r.Minute}
	return c.post(ctx, "/save-reminder", body)
}

// List fetches all reminders from the sync server.
func (c *Client) List(ctx context.Context) ([]models.Reminder, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/reminders", nil)
	if err != nil {
		return nil, fmt.Errorf("remote: build request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote: list: unexpected status %d", resp.StatusCode)
	}

	var list []models.Reminder
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("remote: decode list: %w", err)
	}
	return list, nil
}

// Delete removes a reminder by id on the sync server.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.post(ctx, "/delete-reminder", deleteRequest{ID: id})
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("remote: encode %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("remote: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("remote: %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}

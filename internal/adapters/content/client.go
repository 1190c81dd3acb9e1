package content

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tg-reader-bot/internal/domain"
	"tg-reader-bot/internal/infra/metrics"
)

// Client читает извлечённый текст элементов из сервиса контента.
type Client struct {
	http    *http.Client
	baseURL string
}

var _ domain.ContentStore = (*Client)(nil)

// NewClient создаёт клиента хранилища контента.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// FetchContent возвращает текст элемента. Отсутствие — domain.ErrContentNotFound.
func (c *Client) FetchContent(ctx context.Context, itemID int64) (string, error) {
	endpoint := c.baseURL + "/content/" + strconv.FormatInt(itemID, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("content: build request: %w", err)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ObserveNetworkRequest("content", "fetch", "content", start, err)
	if err != nil {
		return "", fmt.Errorf("content: do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", domain.ErrContentNotFound
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("content: unexpected status %d", resp.StatusCode)
	}
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("content: decode response: %w", err)
	}
	if strings.TrimSpace(payload.Text) == "" {
		return "", domain.ErrContentNotFound
	}
	return payload.Text, nil
}

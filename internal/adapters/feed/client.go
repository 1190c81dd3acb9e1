package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tg-reader-bot/internal/domain"
	"tg-reader-bot/internal/infra/metrics"
)

// Client читает элементы из внешней ленты по HTTP.
type Client struct {
	http    *http.Client
	baseURL string
}

var _ domain.FeedSource = (*Client)(nil)

// NewClient создаёт клиента ленты.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type feedItem struct {
	ID         int64     `json:"id"`
	Title      string    `json:"title"`
	URL        string    `json:"url"`
	Source     string    `json:"source"`
	IngestedAt time.Time `json:"ingested_at"`
}

// FetchAfter возвращает элементы с id строго больше afterID по возрастанию.
func (c *Client) FetchAfter(ctx context.Context, afterID int64, limit int) ([]domain.Item, error) {
	q := url.Values{}
	q.Set("after_id", strconv.FormatInt(afterID, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := c.baseURL + "/items?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("feed: build request: %w", err)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ObserveNetworkRequest("feed", "fetch_after", "items", start, err)
	if err != nil {
		return nil, fmt.Errorf("feed: do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("feed: unexpected status %d", resp.StatusCode)
	}
	var payload struct {
		Items []feedItem `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("feed: decode response: %w", err)
	}
	items := make([]domain.Item, 0, len(payload.Items))
	for _, it := range payload.Items {
		items = append(items, domain.Item{
			ID:         it.ID,
			Title:      it.Title,
			URL:        it.URL,
			Source:     it.Source,
			IngestedAt: it.IngestedAt,
		})
	}
	return items, nil
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// braveSearchProvider queries the Brave Search REST API.
type braveSearchProvider struct {
	apiKey string
	client *http.Client
}

func newBraveSearchProvider(apiKey string) *braveSearchProvider {
	return &braveSearchProvider{
		apiKey: apiKey,
		client: &http.Client{Timeout: time.Duration(searchTimeoutSeconds) * time.Second},
	}
}

func (p *braveSearchProvider) Name() string { return "brave" }

func (p *braveSearchProvider) Search(ctx context.Context, params searchParams) ([]searchResult, error) {
	q := url.Values{}
	q.Set("q", params.Query)
	q.Set("count", strconv.Itoa(params.Count))
	for key, val := range map[string]string{
		"country":     params.Country,
		"search_lang": params.SearchLang,
		"ui_lang":     params.UILang,
		"freshness":   normalizeFreshness(params.Freshness),
	} {
		if val != "" {
			q.Set(key, val)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, braveSearchEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var payload struct {
		Web struct {
			Results []searchResult `json:"results"`
		} `json:"web"`
	}
	if resp.StatusCode != http.StatusOK {
		body := make([]byte, 200)
		n, _ := resp.Body.Read(body)
		return nil, fmt.Errorf("brave API returned %d: %s", resp.StatusCode, truncateStr(string(body[:n]), 200))
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return payload.Web.Results, nil
}

package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.http = client }
}

// WithAPIKey sends the key as a bearer token, as hosted subgraph gateways expect.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func New(endpoint string, opts ...Option) *Client {
	c := &Client{endpoint: endpoint, http: http.DefaultClient}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c Client) Endpoint() string { return c.endpoint }

func (c Client) CallContext(ctx context.Context, result interface{}, query string, vars map[string]interface{}) error {
	reqdata := bytes.NewBuffer(nil)
	if err := json.NewEncoder(reqdata).Encode(Request{Query: query, Vars: vars}); err != nil {
		return fmt.Errorf("graphql: encode req: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, reqdata)
	if err != nil {
		return fmt.Errorf("graphql: create req: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Add("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("graphql: do req: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var returns Response
	if err := json.NewDecoder(resp.Body).Decode(&returns); err != nil {
		return fmt.Errorf("graphql: decode response: %w", err)
	}

	if len(returns.Errors) > 0 {
		return fmt.Errorf("graphql: %s", returns.Errors)
	}

	if err := json.Unmarshal(returns.Data, result); err != nil {
		return fmt.Errorf("graphql: decode result: %w", err)
	}
	return nil
}

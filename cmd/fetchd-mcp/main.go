package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"gopkg.in/yaml.v3"

	"github.com/use-agent/fetchd/models"
)

// client talks to a running fetchd API.
type client struct {
	http   *http.Client
	apiURL string
	apiKey string
}

func main() {
	apiURL := os.Getenv("FETCHD_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080"
	}
	c := &client{
		http:   &http.Client{Timeout: 10 * time.Minute},
		apiURL: strings.TrimRight(apiURL, "/"),
		apiKey: os.Getenv("FETCHD_API_KEY"),
	}

	s := server.NewMCPServer(
		"fetchd",
		"0.1.0",
		server.WithToolCapabilities(false),
	)

	fetchURLTool := mcp.NewTool("fetch_url",
		mcp.WithDescription("Fetch a web page through fetchd and return the extracted data. Plain HTTP is tried first and a headless browser is used when the page needs JavaScript."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL to fetch"),
		),
		mcp.WithString("render",
			mcp.Description("Fetch strategy: 'auto' (default), 'http' or 'browser'"),
			mcp.Enum("auto", "http", "browser"),
		),
		mcp.WithString("rules",
			mcp.Description("ID of a configured extraction ruleset; the default extracts title, description and article text"),
		),
		mcp.WithBoolean("include_raw",
			mcp.Description("Also return the fetched document"),
		),
	)
	s.AddTool(fetchURLTool, handleFetchURL(c))

	batchFetchTool := mcp.NewTool("batch_fetch",
		mcp.WithDescription("Fetch several URLs concurrently and return the extracted data for each, in order."),
		mcp.WithArray("urls",
			mcp.Required(),
			mcp.Description("List of URLs to fetch"),
		),
		mcp.WithString("render",
			mcp.Description("Fetch strategy applied to every URL: 'auto' (default), 'http' or 'browser'"),
			mcp.Enum("auto", "http", "browser"),
		),
		mcp.WithString("rules",
			mcp.Description("Extraction ruleset ID applied to every URL"),
		),
	)
	s.AddTool(batchFetchTool, handleBatchFetch(c))

	hostStatusTool := mcp.NewTool("host_status",
		mcp.WithDescription("Show fetchd's circuit breaker and rate limiter state for a host."),
		mcp.WithString("host",
			mcp.Required(),
			mcp.Description("Host name, e.g. example.com"),
		),
	)
	s.AddTool(hostStatusTool, handleHostStatus(c))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

// do sends a request to the fetchd API and returns the status and body.
func (c *client) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func handleFetchURL(c *client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		target, err := request.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError("url is required"), nil
		}

		reqBody := models.FetchRequest{
			URL:        target,
			Render:     request.GetString("render", ""),
			Rules:      request.GetString("rules", ""),
			IncludeRaw: request.GetBool("include_raw", false),
		}

		_, respBody, err := c.do(ctx, http.MethodPost, "/api/v1/fetch", reqBody)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var resp models.FetchResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err)), nil
		}
		if !resp.Success {
			return mcp.NewToolResultError(describeFailure(resp)), nil
		}
		return mcp.NewToolResultText(formatResult(resp)), nil
	}
}

func handleBatchFetch(c *client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		urls, err := request.RequireStringSlice("urls")
		if err != nil {
			return mcp.NewToolResultError("urls is required and must be an array of strings"), nil
		}

		render := request.GetString("render", "")
		rules := request.GetString("rules", "")
		payload := models.BatchRequest{Targets: make([]models.FetchRequest, len(urls))}
		for i, u := range urls {
			payload.Targets[i] = models.FetchRequest{URL: u, Render: render, Rules: rules}
		}

		status, respBody, err := c.do(ctx, http.MethodPost, "/api/v1/fetch/batch", payload)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("batch request failed: %v", err)), nil
		}
		if status != http.StatusOK {
			return mcp.NewToolResultError(describeRejection(status, respBody)), nil
		}

		var resp models.BatchResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse batch response: %v", err)), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Batch: %d succeeded, %d failed\n\n", resp.Succeeded, resp.Failed)
		for i, r := range resp.Results {
			if r.Success {
				fmt.Fprintf(&sb, "--- [%d] %s ---\n%s\n\n", i+1, urls[i], formatResult(r))
			} else {
				fmt.Fprintf(&sb, "--- [%d] FAILED %s: %s ---\n\n", i+1, urls[i], describeFailure(r))
			}
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

func handleHostStatus(c *client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		host, err := request.RequireString("host")
		if err != nil {
			return mcp.NewToolResultError("host is required"), nil
		}

		status, respBody, err := c.do(ctx, http.MethodGet, "/api/v1/hosts/"+url.PathEscape(host), nil)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if status == http.StatusNotFound {
			return mcp.NewToolResultText(fmt.Sprintf("%s has not been fetched yet", host)), nil
		}
		if status != http.StatusOK {
			return mcp.NewToolResultError(describeRejection(status, respBody)), nil
		}

		var hs models.HostStatus
		if err := json.Unmarshal(respBody, &hs); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse host status: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf(
			"Host: %s\nCircuit: %s (since %s)\nWindow: %d failures in %d samples\nTokens available: %.1f\nTotals: %d ok, %d failed\nAverage latency: %dms",
			hs.Host, hs.State, hs.StateChangedAt.Format(time.RFC3339),
			hs.WindowFailures, hs.WindowSamples, hs.TokensAvailable,
			hs.Successes, hs.Failures, hs.AvgLatencyMs,
		)), nil
	}
}

// formatResult renders the extracted data as YAML under a short header.
func formatResult(r models.FetchResponse) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Source: %s\nStrategy: %s (%d attempts, %dms)\n\n", r.FinalURL, r.Strategy, r.Attempts, r.LatencyMs)
	if len(r.Data) > 0 {
		data, err := yaml.Marshal(r.Data)
		if err != nil {
			fmt.Fprintf(&sb, "(failed to render data: %v)\n", err)
		} else {
			sb.Write(data)
		}
	}
	if r.Raw != "" {
		sb.WriteString("\n---\n")
		sb.WriteString(r.Raw)
	}
	return sb.String()
}

func describeFailure(r models.FetchResponse) string {
	if r.Error == nil {
		return "fetch failed: " + r.Status
	}
	msg := fmt.Sprintf("[%s] %s", r.Error.Code, r.Error.Message)
	if r.Error.Retryable {
		msg += " (retryable)"
	}
	return msg
}

func describeRejection(status int, body []byte) string {
	var er models.ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != nil {
		return fmt.Sprintf("[%s] %s", er.Error.Code, er.Error.Message)
	}
	return fmt.Sprintf("API returned HTTP %d", status)
}

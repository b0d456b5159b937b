package engine

import (
	"context"
	"net/http"

	"github.com/use-agent/fetchd/models"
)

// Engine is the interface that both fetchers implement.
type Engine interface {
	// Name returns the engine identifier ("http" or "browser").
	Name() string

	// Fetch retrieves the target. Failures are always *models.FetchError.
	Fetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error)
}

// FetchRequest contains everything an engine needs to fetch a page. The
// deadline is carried by the context.
type FetchRequest struct {
	URL     string
	Method  string
	Body    []byte
	Headers map[string]string
	// Wait is honoured by the browser engine only.
	Wait models.WaitCondition
}

// FetchResponse is the output of a successful fetch.
type FetchResponse struct {
	Body        []byte
	Header      http.Header
	StatusCode  int
	FinalURL    string
	ContentType string
}

// RequestFromTarget builds the engine request for a target.
func RequestFromTarget(t models.Target) *FetchRequest {
	return &FetchRequest{
		URL:     t.URL,
		Method:  t.Method,
		Body:    t.Body,
		Headers: t.Headers,
		Wait:    t.Wait,
	}
}

package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultHTTPFields are the boolean fields the HTTP probe looks for.
var DefaultHTTPFields = []string{"connected", "healthy", "bot_connected"}

// maxBody bounds how much of a status response is decoded.
const maxBody = 1 << 20

// HTTP probes a JSON status endpoint exposed by the worker. It is healthy on
// a 2xx response whose body carries at least one of Fields, all of them true.
type HTTP struct {
	CheckName    string
	URL          string
	Fields       []string
	CheckTimeout time.Duration
	Client       *http.Client
}

func (h HTTP) Name() string {
	if h.CheckName == "" {
		return "http"
	}
	return h.CheckName
}

func (HTTP) Kind() Kind               { return KindHTTP }
func (h HTTP) Timeout() time.Duration { return h.CheckTimeout }

func (h HTTP) Probe(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.Status, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&body); err != nil {
		return resp.Status, fmt.Errorf("malformed body: %w", err)
	}
	fields := h.Fields
	if len(fields) == 0 {
		fields = DefaultHTTPFields
	}
	var seen, down []string
	for _, f := range fields {
		v, ok := body[f]
		if !ok {
			continue
		}
		seen = append(seen, f)
		b, isBool := v.(bool)
		if !isBool || !b {
			down = append(down, fmt.Sprintf("%s=%v", f, v))
		}
	}
	if len(seen) == 0 {
		return resp.Status, fmt.Errorf("body has none of %s", strings.Join(fields, ", "))
	}
	if len(down) > 0 {
		return resp.Status, fmt.Errorf("worker reports %s", strings.Join(down, ", "))
	}
	return resp.Status, nil
}

package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/couchcryptid/geowarn-engine/internal/domain"
)

// httpGetJSON issues a GET and decodes a JSON body, classifying failures
// into the taxonomy spec §4.1 expects adapters to produce. It never
// returns a Go error the caller is meant to propagate — callers convert
// the returned *classified into a RawPayload.
func httpGetJSON(ctx context.Context, client *http.Client, url string, out any) *classified {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &classified{kind: domain.ErrKindConnectError, message: err.Error(), url: url}
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &classified{kind: domain.ErrKindTimeout, message: ctx.Err().Error(), url: url}
		}
		return &classified{kind: domain.ErrKindConnectError, message: err.Error(), url: url}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &classified{kind: domain.ErrKindAuthFailed, message: fmt.Sprintf("status %d", resp.StatusCode), url: url, status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return &classified{kind: domain.HTTPStatusKind(resp.StatusCode), message: fmt.Sprintf("status %d", resp.StatusCode), url: url, status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &classified{kind: domain.ErrKindConnectError, message: err.Error(), url: url}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &classified{kind: domain.ErrKindHTMLParseNoMetrics, message: err.Error(), url: url}
	}
	return nil
}

// httpGetText issues a GET and returns the response body as text, for
// scrapers parsing HTML with regex.
func httpGetText(ctx context.Context, client *http.Client, url string, headers map[string]string) (string, *classified) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &classified{kind: domain.ErrKindConnectError, message: err.Error(), url: url}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", &classified{kind: domain.ErrKindTimeout, message: ctx.Err().Error(), url: url}
		}
		return "", &classified{kind: domain.ErrKindConnectError, message: err.Error(), url: url}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		return "", &classified{kind: domain.HTTPStatusKind(resp.StatusCode), message: "blocked", url: url, status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &classified{kind: domain.HTTPStatusKind(resp.StatusCode), message: fmt.Sprintf("status %d", resp.StatusCode), url: url, status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", &classified{kind: domain.ErrKindConnectError, message: err.Error(), url: url}
	}
	return string(body), nil
}

type classified struct {
	kind    string
	message string
	url     string
	status  int
}

// toError converts a classified failure into the RawPayload error shape.
func (c *classified) toError() *domain.SourceError {
	return &domain.SourceError{Kind: c.kind, Message: c.message, URL: c.url, StatusCode: c.status}
}

func httpTimeoutCtx(ctx context.Context, seconds float64) (context.Context, func()) {
	if seconds <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(seconds*float64(time.Second)))
}

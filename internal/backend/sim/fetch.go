package sim

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

const (
	blankPage    = "<html><head></head><body></body></html>"
	maxBodyBytes = 16 << 20
)

// resource is a fetched page or script.
type resource struct {
	body string
	url  *url.URL
}

// request describes a navigation.
type request struct {
	url    *url.URL
	method string
	form   url.Values
}

func (h *Host) fetch(ctx context.Context, req request) (resource, error) {
	u := req.url
	switch u.Scheme {
	case "about":
		return resource{body: blankPage, url: u}, nil
	case "data":
		body, err := decodeDataURL(u.Opaque)
		if err != nil {
			return resource{}, err
		}
		return resource{body: body, url: u}, nil
	case "file":
		b, err := os.ReadFile(u.Path)
		if err != nil {
			return resource{}, err
		}
		return resource{body: string(b), url: u}, nil
	case "http", "https":
		return h.fetchHTTP(ctx, req)
	}
	return resource{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
}

func (h *Host) fetchHTTP(ctx context.Context, req request) (resource, error) {
	method := req.method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(req.form.Encode())
	}
	hr, err := http.NewRequestWithContext(ctx, method, req.url.String(), body)
	if err != nil {
		return resource{}, err
	}
	if body != nil {
		hr.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	hr.Header.Set("User-Agent", userAgent)
	resp, err := h.client.Do(hr)
	if err != nil {
		return resource{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resource{}, err
	}
	return resource{body: string(b), url: resp.Request.URL}, nil
}

// decodeDataURL handles data:[<mediatype>][;base64],<data>.
func decodeDataURL(opaque string) (string, error) {
	meta, payload, ok := strings.Cut(opaque, ",")
	if !ok {
		return "", fmt.Errorf("malformed data URL")
	}
	if strings.HasSuffix(meta, ";base64") {
		b, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return "", fmt.Errorf("malformed data URL: %w", err)
		}
		return string(b), nil
	}
	s, err := url.PathUnescape(payload)
	if err != nil {
		return "", fmt.Errorf("malformed data URL: %w", err)
	}
	return s, nil
}

func errorPage(u *url.URL, err error) string {
	return "<html><head><title>Problem loading page</title></head><body><h1>Problem loading page</h1><p id=\"error\">" +
		html.EscapeString(fmt.Sprintf("%s: %v", u, err)) + "</p></body></html>"
}

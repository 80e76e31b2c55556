package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"loom/internal/pkg/errors"
)

// HTTPClient calls a render service over HTTP. The service accepts the
// job's input payload as JSON and answers with the artifact bytes;
// progress is derived from bytes received against Content-Length as the
// body is consumed.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Minute},
	}
}

func (c *HTTPClient) Render(ctx context.Context, payload json.RawMessage, onProgress ProgressFunc) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Render(err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Render(err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer res.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, errors.Render(fmt.Errorf("renderer http %d: %s", res.StatusCode, bytes.TrimSpace(body)))
	}

	contentType := res.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}

	body := res.Body
	if onProgress != nil && res.ContentLength > 0 {
		body = &progressReader{rc: res.Body, total: res.ContentLength, onProgress: onProgress}
	}

	return &Result{
		Body:        body,
		ContentType: contentType,
		Size:        res.ContentLength,
	}, nil
}

// progressReader reports percentage milestones as the artifact streams.
type progressReader struct {
	rc         io.ReadCloser
	total      int64
	read       int64
	last       int
	onProgress ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.rc.Read(b)
	p.read += int64(n)
	pct := int(p.read * 100 / p.total)
	if pct > 100 {
		pct = 100
	}
	if pct > p.last {
		p.last = pct
		p.onProgress(pct)
	}
	return n, err
}

func (p *progressReader) Close() error {
	return p.rc.Close()
}

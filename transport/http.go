package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// ContentTypeBinary is the media type of framed binary call units.
const ContentTypeBinary = "avro/binary"

// HTTPUnary sends each call unit as an HTTP POST with an avro/binary
// body. Responses must come back 200; their content type is not checked.
type HTTPUnary struct {
	URL    string
	Client *http.Client
}

var _ Unary = (*HTTPUnary)(nil)

func NewHTTPUnary(url string, client *http.Client) *HTTPUnary {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPUnary{URL: url, Client: client}
}

func (h *HTTPUnary) RoundTrip(ctx context.Context, request []byte) ([]byte, error) {
	req, err := http.NewRequest("POST", h.URL, bytes.NewReader(request))
	if err != nil {
		return nil, errors.Wrap(err, "cannot build request")
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", ContentTypeBinary)

	res, err := h.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		diagnostic, _ := io.ReadAll(io.LimitReader(res.Body, 1<<12))
		return nil, errors.Errorf("server responded %s: %s", res.Status, bytes.TrimSpace(diagnostic))
	}
	return io.ReadAll(res.Body)
}

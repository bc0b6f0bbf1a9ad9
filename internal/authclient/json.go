package authclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/florianilch/tokenrelay/internal/transport"
)

// ExecuteJSON runs Execute and decodes a successful response body into T.
// An empty body yields the zero value.
func ExecuteJSON[T any](ctx context.Context, c *Client, build RequestBuilder) (T, error) {
	var out T

	resp, err := c.Execute(ctx, build)
	if err != nil {
		return out, err
	}
	if len(resp.Body) == 0 {
		return out, nil
	}

	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return out, fmt.Errorf("decoding response: %w", err)
	}
	return out, nil
}

// JSONRequest returns a builder for a request with body encoded as JSON.
// A nil body sends no payload.
func JSONRequest(method, path string, body any) RequestBuilder {
	return func() (*transport.Request, error) {
		var payload []byte
		if body != nil {
			var err error
			payload, err = json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("encoding request body: %w", err)
			}
		}

		req := transport.NewRequest(method, path, payload)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	}
}

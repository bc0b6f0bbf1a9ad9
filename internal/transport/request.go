package transport

import (
	"maps"
	"net/http"
	"net/url"
	"slices"
)

// Request describes one outbound call relative to the API base URL.
type Request struct {
	Method string
	// Path is resolved against the base URL. Absolute URLs are sent as-is.
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// NewRequest creates a request with an empty header set.
func NewRequest(method, path string, body []byte) *Request {
	return &Request{
		Method: method,
		Path:   path,
		Header: make(http.Header),
		Body:   body,
	}
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	clone := &Request{
		Method: r.Method,
		Path:   r.Path,
		Body:   slices.Clone(r.Body),
		Header: make(http.Header, len(r.Header)),
	}
	for k, v := range r.Header {
		clone.Header[k] = slices.Clone(v)
	}
	if r.Query != nil {
		clone.Query = maps.Clone(r.Query)
		for k, v := range clone.Query {
			clone.Query[k] = slices.Clone(v)
		}
	}
	return clone
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

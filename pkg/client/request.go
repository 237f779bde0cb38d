package client

import (
	"net/http"
	"net/url"
)

// FetchRequest identifies one unit of work against the API.
// Treat it as immutable once built with NewFetchRequest.
type FetchRequest struct {
	// ID names the output file and tags every log line for this request.
	ID string

	// Path is the endpoint path relative to the API base URL (e.g. "/data/all/2019").
	Path string

	// Query holds optional query parameters.
	Query url.Values
}

// NewFetchRequest builds a request, copying query so later changes by the
// caller cannot leak into an in-flight fetch.
func NewFetchRequest(id, path string, query url.Values) FetchRequest {
	var q url.Values
	if len(query) > 0 {
		q = make(url.Values, len(query))
		for k, v := range query {
			q[k] = append([]string(nil), v...)
		}
	}
	return FetchRequest{ID: id, Path: path, Query: q}
}

// FetchResult is the terminal outcome of one FetchRequest.
type FetchResult struct {
	ID         string
	StatusCode int
	Body       []byte
	Header     http.Header

	// Attempts is the full attempt history, in order.
	Attempts []Attempt

	// Cached is true when the payload was served from the response cache.
	Cached bool

	// Err is nil on success.
	Err *FetchError
}

// OK reports whether the request produced a payload.
func (r FetchResult) OK() bool {
	return r.Err == nil
}

// Calls returns the number of network calls made for the request.
func (r FetchResult) Calls() int {
	return len(r.Attempts)
}

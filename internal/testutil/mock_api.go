// Package testutil provides testing utilities for the footprint API client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockResponse defines the behavior for one mock API response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockAPI is a configurable mock footprint API server for testing.
//
// Responses scripted with SetResponses are served in order per path; the
// last one repeats once the script runs out.
type MockAPI struct {
	server *httptest.Server

	mu          sync.Mutex
	handlers    map[string]http.HandlerFunc
	scripts     map[string][]MockResponse
	pathCounts  map[string]int
	requests    int
	inFlight    int
	maxInFlight int
	lastHeader  http.Header
	user, key   string
}

// NewMockAPI creates a new mock API server.
func NewMockAPI() *MockAPI {
	mock := &MockAPI{
		handlers:   make(map[string]http.HandlerFunc),
		scripts:    make(map[string][]MockResponse),
		pathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.serve))
	return mock
}

func (m *MockAPI) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests++
	m.pathCounts[r.URL.Path]++
	m.lastHeader = r.Header.Clone()
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	user, key := m.user, m.key
	handler, hasHandler := m.handlers[r.URL.Path]
	resp, hasScript := m.nextScripted(r.URL.Path)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if key != "" {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != key {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error": "invalid credentials"}`))
			return
		}
	}

	switch {
	case hasHandler:
		handler(w, r)
	case hasScript:
		writeResponse(w, r, resp)
	default:
		m.defaultHandler(w, r)
	}
}

// nextScripted pops the next scripted response; callers hold m.mu.
func (m *MockAPI) nextScripted(path string) (MockResponse, bool) {
	script := m.scripts[path]
	if len(script) == 0 {
		return MockResponse{}, false
	}
	resp := script[0]
	if len(script) > 1 {
		m.scripts[path] = script[1:]
	}
	return resp, true
}

func writeResponse(w http.ResponseWriter, r *http.Request, resp MockResponse) {
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}

	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = 0
	m.pathCounts = make(map[string]int)
	m.maxInFlight = 0
	m.lastHeader = nil
}

// RequireBasicAuth makes the server answer 401 unless the request carries
// these basic-auth credentials.
func (m *MockAPI) RequireBasicAuth(user, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user, m.key = user, key
}

// SetHandler sets a custom handler for a specific path.
func (m *MockAPI) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponses scripts the responses for a path.
func (m *MockAPI) SetResponses(path string, resps ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[path] = append([]MockResponse(nil), resps...)
}

// RequestCount returns the number of requests made to the server.
func (m *MockAPI) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// PathCount returns the number of requests made for path.
func (m *MockAPI) PathCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pathCounts[path]
}

// MaxInFlight returns the highest number of concurrently served requests.
func (m *MockAPI) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockAPI) LastRequestHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeader
}

// defaultHandler answers /data/all/{year} with generated records and
// everything else with an empty array.
func (m *MockAPI) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if year, ok := yearFromPath(r.URL.Path); ok {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(FootprintRecordsJSON(year)))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`[]`))
}

func yearFromPath(path string) (int, bool) {
	const prefix = "/data/all/"
	idx := strings.LastIndex(path, prefix)
	if idx < 0 {
		return 0, false
	}
	year, err := strconv.Atoi(strings.Trim(path[idx+len(prefix):], "/"))
	if err != nil {
		return 0, false
	}
	return year, true
}

// FootprintRecordsJSON returns a small dataset shaped like the API's
// /data/all/{year} payload.
func FootprintRecordsJSON(year int) string {
	records := []map[string]any{
		{
			"year": year, "countryCode": 21, "countryName": "Brazil", "shortName": "Brazil",
			"isoa2": "BR", "record": "EFConsPerCap",
			"cropLand": 0.62, "grazingLand": 0.71, "forestLand": 0.58,
			"fishingGround": 0.05, "builtupLand": 0.07, "carbon": 0.79,
			"value": 2.82, "score": "3A",
		},
		{
			"year": year, "countryCode": 79, "countryName": "Germany", "shortName": "Germany",
			"isoa2": "DE", "record": "EFConsPerCap",
			"cropLand": 1.01, "grazingLand": 0.12, "forestLand": 0.54,
			"fishingGround": 0.09, "builtupLand": 0.21, "carbon": 2.77,
			"value": 4.74, "score": "3A",
		},
	}
	data, err := json.Marshal(records)
	if err != nil {
		panic(fmt.Sprintf("marshal records: %v", err))
	}
	return string(data)
}

// NewOKResponse creates a 200 OK JSON response.
func NewOKResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewCacheableResponse creates a 200 OK response with validators and an
// Expires header ttl in the future.
func NewCacheableResponse(body, etag string, ttl time.Duration) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers: map[string]string{
			"Content-Type": "application/json",
			"ETag":         etag,
			"Expires":      time.Now().Add(ttl).Format(http.TimeFormat),
		},
	}
}

// NewNotModifiedResponse creates a 304 Not Modified response.
func NewNotModifiedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotModified,
		Headers: map[string]string{
			"Expires": time.Now().Add(5 * time.Minute).Format(http.TimeFormat),
		},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
// An empty retryAfter omits the header.
func NewRateLimitResponse(retryAfter string) MockResponse {
	resp := MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
	if retryAfter != "" {
		resp.Headers["Retry-After"] = retryAfter
	}
	return resp
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewNotFoundResponse creates a 404 Not Found response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"error": "Not found"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewConditionalHandler creates a handler that answers 304 when the request
// carries etag in If-None-Match, and data with that ETag otherwise.
func NewConditionalHandler(etag, data string, ttl time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Expires", time.Now().Add(ttl).Format(http.TimeFormat))

		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}

		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(data))
	}
}

package mocks

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockHTTPClient implements platform.Doer for adapter unit tests
type MockHTTPClient struct {
	Responses    map[string]*MockResponse
	Requests     []MockRequest
	RequestDelay time.Duration
	mu           sync.Mutex
}

// MockResponse represents a mocked HTTP response
type MockResponse struct {
	StatusCode int
	Body       interface{}
	Headers    map[string]string
}

// MockRequest represents a recorded HTTP request
type MockRequest struct {
	Method  string
	URL     string
	Body    string
	Headers map[string]string
	Time    time.Time
}

// NewMockHTTPClient creates a new mock HTTP client
func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{
		Responses: make(map[string]*MockResponse),
		Requests:  make([]MockRequest, 0),
	}
}

// SetResponse sets a mock response for a URL. A trailing "*" matches any suffix.
func (m *MockHTTPClient) SetResponse(urlPattern string, response *MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses[urlPattern] = response
}

// Do executes the mock request
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	mockReq := MockRequest{
		Method:  req.Method,
		URL:     req.URL.String(),
		Time:    time.Now(),
		Headers: make(map[string]string),
	}
	for k, v := range req.Header {
		if len(v) > 0 {
			mockReq.Headers[k] = v[0]
		}
	}
	if req.Body != nil {
		body, _ := io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewBuffer(body))
		mockReq.Body = string(body)
	}
	m.Requests = append(m.Requests, mockReq)
	response := m.match(mockReq.URL)
	delay := m.RequestDelay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}

	if response == nil {
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Body:       io.NopCloser(bytes.NewBufferString(`{"error": "not found"}`)),
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Request:    req,
		}, nil
	}

	var body []byte
	if s, ok := response.Body.(string); ok {
		body = []byte(s)
	} else {
		body, _ = json.Marshal(response.Body)
	}
	header := http.Header{"Content-Type": []string{"application/json"}}
	for k, v := range response.Headers {
		header.Set(k, v)
	}
	return &http.Response{
		StatusCode: response.StatusCode,
		Body:       io.NopCloser(bytes.NewBuffer(body)),
		Header:     header,
		Request:    req,
	}, nil
}

// match picks an exact URL first, then the longest wildcard prefix.
func (m *MockHTTPClient) match(url string) *MockResponse {
	if r, ok := m.Responses[url]; ok {
		return r
	}
	var best *MockResponse
	bestLen := -1
	for pattern, resp := range m.Responses {
		if matchesPattern(url, pattern) && len(pattern) > bestLen {
			best, bestLen = resp, len(pattern)
		}
	}
	return best
}

// GetRequests returns all recorded requests
func (m *MockHTTPClient) GetRequests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockRequest(nil), m.Requests...)
}

// ClearRequests clears the recorded requests
func (m *MockHTTPClient) ClearRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = make([]MockRequest, 0)
}

func matchesPattern(url, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(url, strings.TrimSuffix(pattern, "*"))
	}
	return url == pattern
}

// MockJSONResponse wraps body in a 200 response
func MockJSONResponse(body interface{}) *MockResponse {
	return &MockResponse{StatusCode: http.StatusOK, Body: body}
}

// MockErrorResponse creates a mock error response
func MockErrorResponse(statusCode int, message string) *MockResponse {
	return &MockResponse{
		StatusCode: statusCode,
		Body: map[string]interface{}{
			"error": map[string]interface{}{
				"message": message,
				"type":    "error",
			},
		},
	}
}

// MockRateLimitResponse creates a 429 with a Retry-After header
func MockRateLimitResponse(retryAfter time.Duration) *MockResponse {
	resp := &MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body: map[string]interface{}{
			"error": map[string]interface{}{
				"message": "Rate limit exceeded",
				"type":    "rate_limit_error",
			},
		},
	}
	if retryAfter > 0 {
		resp.Headers = map[string]string{"Retry-After": strconv.Itoa(int(retryAfter.Seconds()))}
	}
	return resp
}

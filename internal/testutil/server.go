// Package testutil provides HTTP test fixtures for the download engine.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// MockServer is a configurable HTTP test server serving one deterministic
// payload, with optional Range support, artificial latency and stalls.
type MockServer struct {
	Server *httptest.Server

	// Configuration
	FileSize       int64
	SupportsRanges bool
	ContentType    string
	Filename       string        // advertised via Content-Disposition when set
	HideLength     bool          // omit Content-Length (chunked responses)
	Latency        time.Duration // sleep per served chunk
	StallAfter     int64         // stop sending after this many bytes per request (0 = never)
	CustomHandler  http.HandlerFunc

	// Tracking
	RequestCount  atomic.Int64
	HeadRequests  atomic.Int64
	RangeRequests atomic.Int64
	FullRequests  atomic.Int64

	data []byte
}

// MockServerOption configures a MockServer.
type MockServerOption func(*MockServer)

func WithFileSize(size int64) MockServerOption {
	return func(m *MockServer) { m.FileSize = size }
}

func WithRangeSupport(enabled bool) MockServerOption {
	return func(m *MockServer) { m.SupportsRanges = enabled }
}

func WithContentType(ct string) MockServerOption {
	return func(m *MockServer) { m.ContentType = ct }
}

func WithFilename(name string) MockServerOption {
	return func(m *MockServer) { m.Filename = name }
}

func WithHiddenLength() MockServerOption {
	return func(m *MockServer) { m.HideLength = true }
}

func WithLatency(d time.Duration) MockServerOption {
	return func(m *MockServer) { m.Latency = d }
}

func WithStallAfter(bytes int64) MockServerOption {
	return func(m *MockServer) { m.StallAfter = bytes }
}

func WithHandler(h http.HandlerFunc) MockServerOption {
	return func(m *MockServer) { m.CustomHandler = h }
}

// NewMockServer builds and starts the server. Callers must Close it.
func NewMockServer(opts ...MockServerOption) *MockServer {
	m := &MockServer{
		FileSize:       1024,
		SupportsRanges: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.data = Payload(m.FileSize)
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// Payload generates the deterministic byte pattern the server serves, so
// tests can verify downloaded files byte for byte.
func Payload(size int64) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func (m *MockServer) URL() string {
	return m.Server.URL + "/file.bin"
}

func (m *MockServer) Close() {
	m.Server.Close()
}

func (m *MockServer) handle(w http.ResponseWriter, r *http.Request) {
	m.RequestCount.Add(1)

	if m.CustomHandler != nil {
		m.CustomHandler(w, r)
		return
	}

	if m.SupportsRanges {
		w.Header().Set("Accept-Ranges", "bytes")
	}
	if m.ContentType != "" {
		w.Header().Set("Content-Type", m.ContentType)
	}
	if m.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", m.Filename))
	}

	if r.Method == http.MethodHead {
		m.HeadRequests.Add(1)
		if !m.HideLength {
			w.Header().Set("Content-Length", strconv.FormatInt(m.FileSize, 10))
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	start, end := int64(0), m.FileSize-1
	status := http.StatusOK
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" && m.SupportsRanges {
		m.RangeRequests.Add(1)
		var ok bool
		start, end, ok = parseRange(rangeHeader, m.FileSize)
		if !ok {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, m.FileSize))
	} else {
		m.FullRequests.Add(1)
	}

	if !m.HideLength {
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	}
	w.WriteHeader(status)

	m.serveBody(w, r, start, end)
}

// serveBody streams data[start..end] in small chunks, honoring latency and
// stall settings, and giving up when the client goes away.
func (m *MockServer) serveBody(w http.ResponseWriter, r *http.Request, start, end int64) {
	flusher, _ := w.(http.Flusher)
	const chunk = 8 * 1024

	var sent int64
	for offset := start; offset <= end; {
		if m.StallAfter > 0 && sent >= m.StallAfter {
			// Keep the connection open without sending anything further.
			select {
			case <-r.Context().Done():
			case <-time.After(30 * time.Second):
			}
			return
		}

		n := int64(chunk)
		if offset+n > end+1 {
			n = end + 1 - offset
		}
		if _, err := w.Write(m.data[offset : offset+n]); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		offset += n
		sent += n

		if m.Latency > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(m.Latency):
			}
		}
	}
}

// parseRange understands the two forms the engine emits: "bytes=a-b" and
// "bytes=a-".
func parseRange(header string, size int64) (start, end int64, ok bool) {
	rangeSpec, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return 0, 0, false
	}
	startStr, endStr, found := strings.Cut(rangeSpec, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false
	}
	if endStr == "" {
		return start, size - 1, true
	}
	end, err = strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start || end >= size {
		return 0, 0, false
	}
	return start, end, true
}

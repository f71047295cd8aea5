package utils

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func header(pairs ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(pairs); i += 2 {
		h.Set(pairs[i], pairs[i+1])
	}
	return h
}

func TestExtractFilename(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		header http.Header
		want   string
	}{
		{
			name:   "content disposition wins",
			url:    "https://t/other-name.bin",
			header: header("Content-Disposition", "attachment; filename=example.txt"),
			want:   "example.txt",
		},
		{
			name:   "rfc 5987 encoded filename",
			url:    "https://t/other-name.bin",
			header: header("Content-Disposition", "attachment; filename*=UTF-8''na%C3%AFve.txt"),
			want:   "naïve.txt",
		},
		{
			name:   "url path segment ignoring query",
			url:    "https://t/path/file.mp4?a=1",
			header: header(),
			want:   "file.mp4",
		},
		{
			name:   "percent decoded url segment",
			url:    "https://t/100%25_complete.mp3",
			header: header(),
			want:   "100%_complete.mp3",
		},
		{
			name:   "html type appends extension",
			url:    "https://t/page",
			header: header("Content-Type", "text/html; charset=utf-8"),
			want:   "page.html",
		},
		{
			name:   "bare host falls back to default",
			url:    "https://t/",
			header: header(),
			want:   DefaultFilename,
		},
		{
			name:   "html on the fallback name",
			url:    "https://t",
			header: header("Content-Type", "text/html"),
			want:   DefaultFilename + ".html",
		},
		{
			name:   "non-html content type leaves name alone",
			url:    "https://t/archive.zip",
			header: header("Content-Type", "application/zip"),
			want:   "archive.zip",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractFilename(tt.url, tt.header))
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"simple filename", "file.zip", "file.zip"},
		{"filename with spaces", "  file.zip  ", "file.zip"},
		{"filename with backslash", "path\\file.zip", "file.zip"},
		{"filename with forward slash", "path/file.zip", "file.zip"},
		{"filename with colon", "file:name.zip", "file_name.zip"},
		{"filename with asterisk", "file*name.zip", "file_name.zip"},
		{"filename with question mark", "file?name.zip", "file_name.zip"},
		{"filename with quotes", "file\"name.zip", "file_name.zip"},
		{"filename with angle brackets", "file<name>.zip", "file_name_.zip"},
		{"filename with pipe", "file|name.zip", "file_name.zip"},
		{"multiple bad chars", "b*c?d.zip", "b_c_d.zip"},
		{"unicode filename", "文件.zip", "文件.zip"},
		{"multiple dots", "file.tar.gz", "file.tar.gz"},
		{"consecutive bad chars", "file***name.zip", "file___name.zip"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeFilename(tt.input))
		})
	}
}

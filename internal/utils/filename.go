package utils

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/vfaronov/httpheader"
)

// DefaultFilename is used when neither the response headers nor the URL
// yield a usable name.
const DefaultFilename = "download"

// ExtractFilename determines the local filename for a resource from its URL
// and the probe response headers. Priority: Content-Disposition (RFC 5987
// filename* preferred, percent-decoded), then the last URL path segment,
// then DefaultFilename. Resources served as text/html get an .html suffix.
func ExtractFilename(rawurl string, header http.Header) string {
	candidate := filenameFromHeader(header)
	if candidate == "" {
		candidate = filenameFromURL(rawurl)
	}
	if candidate == "" {
		candidate = DefaultFilename
	}

	candidate = percentDecode(candidate)

	if isHTMLType(header.Get("Content-Type")) {
		candidate += ".html"
	}

	return SanitizeFilename(candidate)
}

// filenameFromHeader pulls the filename out of Content-Disposition.
// httpheader prefers the RFC 5987 filename* parameter and decodes it.
func filenameFromHeader(header http.Header) string {
	_, name, _ := httpheader.ContentDisposition(header)
	return name
}

// filenameFromURL returns the last path segment of the URL, ignoring query
// and fragment.
func filenameFromURL(rawurl string) string {
	parsed, err := url.Parse(rawurl)
	if err != nil {
		return ""
	}
	// Work on the escaped form; decoding happens once, on the final choice.
	name := path.Base(parsed.EscapedPath())
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// percentDecode undoes percent-encoding, keeping the input untouched when it
// is not valid encoding.
func percentDecode(name string) string {
	decoded, err := url.PathUnescape(name)
	if err != nil {
		return name
	}
	return decoded
}

func isHTMLType(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.TrimSpace(mediaType) == "text/html"
}

// SanitizeFilename strips path components and replaces characters that are
// reserved on common filesystems.
func SanitizeFilename(name string) string {
	// Replace backslashes with forward slashes first so path.Base treats them as separators
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "." {
		return name
	}
	if name == "/" {
		return "_"
	}
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "/", "_")
	// Additional standard replacements for windows/linux safety
	name = strings.ReplaceAll(name, ":", "_")
	name = strings.ReplaceAll(name, "*", "_")
	name = strings.ReplaceAll(name, "?", "_")
	name = strings.ReplaceAll(name, "\"", "_")
	name = strings.ReplaceAll(name, "<", "_")
	name = strings.ReplaceAll(name, ">", "_")
	name = strings.ReplaceAll(name, "|", "_")
	return name
}

package api

import "strings"

const legacyHost = "http://localhost:3000"

// NormalizeFileURL turns a stored file reference into something fetchable
// from host. Absolute URLs are kept; root-relative paths are prefixed.
func NormalizeFileURL(host, fileURL string) string {
	host = strings.TrimRight(host, "/")
	switch {
	case fileURL == "":
		return ""
	case strings.HasPrefix(fileURL, legacyHost):
		return host + strings.TrimPrefix(fileURL, legacyHost)
	case strings.HasPrefix(fileURL, "https://"), strings.HasPrefix(fileURL, "http://"):
		return fileURL
	case strings.HasPrefix(fileURL, "/"):
		return host + fileURL
	default:
		return fileURL
	}
}

// ImageURL resolves an avatar reference. Relative references are served by
// the backend.
func ImageURL(host, image string) string {
	switch {
	case image == "":
		return ""
	case strings.HasPrefix(image, "http"), strings.HasPrefix(image, "data:"):
		return image
	default:
		return strings.TrimRight(host, "/") + "/" + strings.TrimLeft(image, "/")
	}
}

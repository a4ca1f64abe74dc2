package storage

import (
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

const defaultContentType = "application/octet-stream"

// DetectContentType picks a MIME type for an object: the provided type if
// any, then the key's extension, then a sniff of the first 512 bytes of data.
func DetectContentType(provided, key string, data io.Reader) string {
	if provided != "" {
		return provided
	}
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(key))); ct != "" {
		return ct
	}
	if data != nil {
		buf := make([]byte, 512)
		n, err := io.ReadFull(data, buf)
		if err == nil || err == io.EOF || err == io.ErrUnexpectedEOF {
			return http.DetectContentType(buf[:n])
		}
	}
	return defaultContentType
}

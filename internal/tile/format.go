package tile

import (
	"bytes"
	"net/http"
)

// Constants representing TileFormat types
const (
	GZIP string = "gzip" // encoding = gzip
	ZLIB        = "zlib" // encoding = deflate
	PNG         = "png"
	JPG         = "jpg"
	PBF         = "pbf"
	WEBP        = "webp"
)

var contentTypes = map[string]string{
	PNG:    "image/png",
	JPG:    "image/jpeg",
	"jpeg": "image/jpeg",
	PBF:    "application/x-protobuf",
	"mvt":  "application/x-protobuf",
	WEBP:   "image/webp",
}

// ContentType returns the MIME type of a tile format, or
// application/octet-stream for unknown formats.
func ContentType(format string) string {
	if ct, ok := contentTypes[format]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Encoding sniffs the compression of a tile payload from its magic bytes.
// It returns GZIP, ZLIB or "" for uncompressed data.
func Encoding(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte{0x1f, 0x8b}):
		return GZIP
	case len(data) >= 2 && data[0] == 0x78 && (data[1] == 0x01 || data[1] == 0x5e || data[1] == 0x9c || data[1] == 0xda):
		return ZLIB
	}
	return ""
}

// Headers builds the response headers for a tile payload of the given format.
func Headers(format string, data []byte) http.Header {
	h := http.Header{}
	h.Set("Content-Type", ContentType(format))
	switch Encoding(data) {
	case GZIP:
		h.Set("Content-Encoding", "gzip")
	case ZLIB:
		h.Set("Content-Encoding", "deflate")
	}
	return h
}

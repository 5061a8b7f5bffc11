package garmin

import (
	"path/filepath"
	"strings"
)

// Format is an activity or measurement file format the upload service accepts.
type Format string

const (
	FormatFIT Format = "FIT"
	FormatTCX Format = "TCX"
	FormatGPX Format = "GPX"
)

// Formats lists every accepted format.
var Formats = []Format{FormatFIT, FormatTCX, FormatGPX}

// ParseFormat matches a format name case-insensitively.
func ParseFormat(name string) (Format, bool) {
	name = strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(name), "."))
	for _, f := range Formats {
		if string(f) == name {
			return f, true
		}
	}
	return "", false
}

// FormatOf returns the format declared by a file's extension.
func FormatOf(path string) (Format, bool) {
	return ParseFormat(filepath.Ext(path))
}

// Extension is the lowercase dotted extension, e.g. ".fit".
func (f Format) Extension() string {
	return "." + strings.ToLower(string(f))
}

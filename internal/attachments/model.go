package attachments

import (
	"strings"
	"unicode"
)

// State tracks one attachment through its lifecycle. Transitions only move
// forward; an upload that never gets attached ends in StateAbandoned.
type State string

const (
	StateSelected  State = "selected"
	StateUploading State = "uploading"
	StateUploaded  State = "uploaded"
	StateAttached  State = "attached"
	StateAbandoned State = "abandoned"
)

// imageContentTypes are the payload types accepted for image attachments.
var imageContentTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// IsImageContentType reports whether the content type counts as an image for
// validation purposes.
func IsImageContentType(contentType string) bool {
	return imageContentTypes[strings.ToLower(strings.TrimSpace(contentType))]
}

const fallbackFileName = "file"

// SanitizeFileName strips directory components, control characters, and
// leading dots so the name is safe to embed in a storage key and to echo back
// to clients. An empty result falls back to a generic name.
func SanitizeFileName(raw string) string {
	name := strings.TrimSpace(raw)
	if index := strings.LastIndexAny(name, "/\\"); index >= 0 {
		name = name[index+1:]
	}

	var builder strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsControl(r):
			continue
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|':
			builder.WriteRune('_')
		default:
			builder.WriteRune(r)
		}
	}

	cleaned := strings.TrimLeft(builder.String(), ".")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return fallbackFileName
	}
	return cleaned
}

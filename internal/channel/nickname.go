package channel

import (
	"mime"
	"strings"

	"github.com/MrWong99/switchboard/internal/conversation"
)

// extensions pins file extensions for common MIME types so names do not
// depend on the host's MIME database.
var extensions = map[string]string{
	"image/jpeg":      "jpg",
	"image/png":       "png",
	"image/webp":      "webp",
	"image/gif":       "gif",
	"audio/ogg":       "ogg",
	"audio/mpeg":      "mp3",
	"audio/mp4":       "m4a",
	"audio/amr":       "amr",
	"audio/wav":       "wav",
	"video/mp4":       "mp4",
	"video/3gpp":      "3gp",
	"application/pdf": "pdf",
	"text/plain":      "txt",
}

// Nickname builds the deterministic upload name
// <platform>_<kind>_<sender>_<recipient>[_<extension>].<ext>.
// Identifiers are reduced to letters, digits and dashes.
func Nickname(p Platform, mimeType, sender, recipient, extension string) string {
	parts := []string{
		string(p),
		string(conversation.KindFromMIME(mimeType)),
		sanitize(sender),
		sanitize(recipient),
	}
	if extension != "" {
		parts = append(parts, sanitize(extension))
	}
	return strings.Join(parts, "_") + "." + fileExt(mimeType)
}

func fileExt(mimeType string) string {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return "bin"
	}
	if ext, ok := extensions[mt]; ok {
		return ext
	}
	_, sub, ok := strings.Cut(mt, "/")
	if !ok || sub == "" {
		return "bin"
	}
	return sanitize(sub)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return -1
	}, s)
}

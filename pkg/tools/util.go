package tools

import (
	"encoding/base64"
	"strings"
)

func encodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// extForMime maps the handful of mime types generate_image can return to a
// filename extension for the attachment it delivers.
func extForMime(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

// quoteShellArg wraps s in single quotes suitable for passing as one
// argument to a POSIX shell command string, escaping any embedded quotes.
func quoteShellArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

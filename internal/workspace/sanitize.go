package workspace

import (
	"fmt"
	"path"
	"strings"
)

const maxNameLen = 128

// SanitizeName reduces a client-suggested file name to a safe base name.
// Names carrying NUL bytes or ".." path components are rejected outright;
// everything else is rewritten: directories are dropped, characters outside
// [A-Za-z0-9._-] become '_', and leading dots and dashes are trimmed so a
// staged file can never be mistaken for a hidden file or a command-line flag.
func SanitizeName(name string) (string, error) {
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q contains a NUL byte", ErrUnsafeName, name)
	}
	slashed := strings.ReplaceAll(name, `\`, "/")
	for _, part := range strings.Split(slashed, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q contains a parent reference", ErrUnsafeName, name)
		}
	}

	base := path.Base(slashed)
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	clean := strings.TrimLeft(b.String(), ".-")
	if len(clean) > maxNameLen {
		// Keep the extension; it often decides how the media tool reads the file.
		ext := path.Ext(clean)
		if len(ext) > 16 {
			ext = ""
		}
		clean = clean[:maxNameLen-len(ext)] + ext
	}
	if clean == "" || strings.Trim(clean, "_") == "" {
		clean = "upload"
	}
	return clean, nil
}

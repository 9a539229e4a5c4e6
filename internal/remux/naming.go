package remux

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"unicode"
)

const (
	outputExt     = ".mp4"
	maxNameRunes  = 80
	fallbackName  = "download"
	shortIDLength = 8
)

// outputFileName builds "<name>-<id>.mp4" from the first usable of hint and title.
func outputFileName(hint, title, id string, fullID bool) string {
	base := sanitizeName(stripExt(hint))
	if base == "" {
		base = sanitizeName(title)
	}
	if base == "" {
		base = fallbackName
	}

	suffix := strings.ReplaceAll(id, "-", "")
	if !fullID && len(suffix) > shortIDLength {
		suffix = suffix[:shortIDLength]
	}
	return base + "-" + suffix + outputExt
}

func stripExt(name string) string {
	name = strings.TrimSpace(name)
	if ext := filepath.Ext(name); ext != "" && len(ext) <= 5 {
		return strings.TrimSuffix(name, ext)
	}
	return name
}

func sanitizeName(name string) string {
	var b strings.Builder
	n := 0
	for _, r := range strings.TrimSpace(name) {
		if n >= maxNameRunes {
			break
		}
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('_')
		default:
			continue
		}
		n++
	}
	return strings.Trim(b.String(), "._-")
}

// titleFromURL derives a display title from the last path element of a source URL.
func titleFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return u.Hostname()
	}
	if unescaped, err := url.PathUnescape(base); err == nil {
		base = unescaped
	}
	return stripExt(base)
}

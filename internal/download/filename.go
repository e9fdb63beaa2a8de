package download

import (
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// SanitizeFilename reduces a server-supplied name to a safe bare filename.
// Any name with a ".." component is rejected outright. Otherwise only the
// last path segment (either separator) is kept, and empty, dot-only,
// ".."-prefixed and extension-less names are rejected.
func SanitizeFilename(name string) (string, bool) {
	parts := strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' })
	for _, part := range parts {
		if strings.HasPrefix(part, "..") {
			return "", false
		}
	}
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, "..") {
		return "", false
	}
	if !strings.Contains(name, ".") {
		return "", false
	}
	return name, true
}

// ParseContentDisposition extracts the filename from a Content-Disposition
// header. filename* (RFC 5987) wins over filename; parameter names are
// case-insensitive.
func ParseContentDisposition(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	// mime decodes filename* into filename for us when the header is well formed.
	if _, params, err := mime.ParseMediaType(header); err == nil {
		if name := params["filename"]; name != "" {
			return name, true
		}
	}
	return scanContentDisposition(header)
}

// scanContentDisposition is a lenient fallback for headers mime rejects,
// e.g. unquoted names containing spaces.
func scanContentDisposition(header string) (string, bool) {
	lower := strings.ToLower(header)

	if i := strings.Index(lower, "filename*="); i >= 0 {
		rest := header[i+len("filename*="):]
		if q := strings.Index(rest, "''"); q >= 0 {
			encoded := strings.TrimSpace(strings.SplitN(rest[q+2:], ";", 2)[0])
			if decoded, err := url.PathUnescape(encoded); err == nil {
				if name := strings.Trim(decoded, `"`); name != "" {
					return name, true
				}
			}
		}
	}

	from := 0
	for {
		i := strings.Index(lower[from:], "filename=")
		if i < 0 {
			return "", false
		}
		i += from
		if i > 0 && header[i-1] == '*' {
			from = i + len("filename=")
			continue
		}
		value := strings.SplitN(header[i+len("filename="):], ";", 2)[0]
		if name := strings.Trim(strings.TrimSpace(value), `"`); name != "" {
			return name, true
		}
		return "", false
	}
}

// filenameFromURL returns the decoded last path segment of u if it looks
// like a filename.
func filenameFromURL(u *url.URL) (string, bool) {
	if u == nil {
		return "", false
	}
	seg := u.EscapedPath()
	if i := strings.LastIndex(seg, "/"); i >= 0 {
		seg = seg[i+1:]
	}
	if seg == "" {
		return "", false
	}
	decoded, err := url.PathUnescape(seg)
	if err != nil || !strings.Contains(decoded, ".") {
		return "", false
	}
	return decoded, true
}

// DetectFilename picks the name to save resp under: Content-Disposition
// first, then the final (post-redirect) URL. Both pass through
// SanitizeFilename. Returns false when neither yields a safe name.
func DetectFilename(resp *http.Response) (string, bool) {
	if name, ok := ParseContentDisposition(resp.Header.Get("Content-Disposition")); ok {
		if safe, ok := SanitizeFilename(name); ok {
			return safe, true
		}
	}
	if resp.Request != nil {
		if name, ok := filenameFromURL(resp.Request.URL); ok {
			if safe, ok := SanitizeFilename(name); ok {
				return safe, true
			}
		}
	}
	return "", false
}

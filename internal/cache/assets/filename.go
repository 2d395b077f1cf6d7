package assets

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// maxVerbatimLen bounds how long a URL basename may be before we fall back
// to a hashed filename.
const maxVerbatimLen = 48

var safeName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

var imageExts = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {}, ".bmp": {},
}

// filenameFor derives a deterministic local filename for a remote URL: the
// URL basename verbatim when it is short and filesystem-safe, otherwise an
// fnv64a hash of the full URL with the image extension preserved.
func filenameFor(rawURL string) string {
	base := ""
	if u, err := url.Parse(rawURL); err == nil {
		base = path.Base(u.Path)
	}

	if base != "" && len(base) <= maxVerbatimLen && safeName.MatchString(base) {
		return base
	}

	ext := strings.ToLower(path.Ext(base))
	if _, ok := imageExts[ext]; !ok {
		ext = ".img"
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(rawURL))
	return fmt.Sprintf("%x%s", h.Sum64(), ext)
}

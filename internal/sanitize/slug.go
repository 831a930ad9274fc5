package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	// MaxSlugLength bounds the slug part of artifact file names.
	MaxSlugLength = 64

	// hashSuffixLength is "_" plus eight hex characters.
	hashSuffixLength = 9

	// DefaultSlug is used when slugging produces nothing.
	DefaultSlug = "export"
)

// ErrPathTraversal indicates an artifact name would escape its directory.
var ErrPathTraversal = errors.New("path contains directory traversal")

var (
	slugStrip = regexp.MustCompile(`[^\w\s-]`)
	slugJoin  = regexp.MustCompile(`[-\s]+`)
)

// Slug folds s to a lowercase ASCII file-name fragment.
//
//	"Reklamace – poškozená zásilka" -> "reklamace_poskozena_zasilka"
//	"" or "!!!"                     -> "export"
func Slug(s string) string {
	if s == "" {
		return DefaultSlug
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range norm.NFD.String(s) {
		if r < unicode.MaxASCII {
			b.WriteRune(r)
		}
	}

	out := slugStrip.ReplaceAllString(b.String(), "")
	out = strings.ToLower(strings.TrimSpace(out))
	out = slugJoin.ReplaceAllString(out, "_")
	out = strings.Trim(out, "_")
	if out == "" {
		return DefaultSlug
	}
	if len(out) > MaxSlugLength {
		out = truncateWithHash(out)
	}
	return out
}

// truncateWithHash shortens s to MaxSlugLength keeping a hash suffix so
// distinct long labels stay distinct.
func truncateWithHash(s string) string {
	hash := sha256.Sum256([]byte(s))
	suffix := "_" + hex.EncodeToString(hash[:])[:8]
	base := strings.TrimRight(s[:MaxSlugLength-hashSuffixLength], "_")
	return base + suffix
}

// ArtifactPath joins dir with "<prefix>_<slug(label)>.<ext>" and verifies
// the result stays inside dir.
func ArtifactPath(dir, prefix, label, ext string) (string, error) {
	if dir == "" {
		dir = "."
	}
	name := fmt.Sprintf("%s_%s.%s", prefix, Slug(label), ext)
	if strings.ContainsAny(prefix+ext, `/\`) || strings.Contains(prefix+ext, "..") {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, name)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve output dir: %w", err)
	}
	path := filepath.Join(absDir, name)
	rel, err := filepath.Rel(absDir, path)
	if err != nil || strings.HasPrefix(rel, "..") || strings.ContainsRune(rel, filepath.Separator) {
		return "", fmt.Errorf("%w: %q escapes %s", ErrPathTraversal, name, absDir)
	}
	return path, nil
}

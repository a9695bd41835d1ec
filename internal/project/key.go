package project

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
)

const (
	maxKeyLength       = 128
	truncatedKeyPrefix = 96
	keyHashHexLength   = 32
)

// Key identifies a project root in lock and PID file names.
type Key string

func (k Key) String() string { return string(k) }

// Resolution pairs a project root with its sanitized key.
type Resolution struct {
	Root string
	Key  Key
}

// Resolver finds project roots by marker file and memoizes the result per
// directory for its lifetime.
type Resolver struct {
	markers []string

	mu    sync.Mutex
	cache map[string]Resolution
}

// NewResolver returns a resolver that treats any of markers as a project root
// indicator.
func NewResolver(markers []string) *Resolver {
	return &Resolver{
		markers: append([]string(nil), markers...),
		cache:   make(map[string]Resolution),
	}
}

// CacheKey returns the key of the project containing cwd.
func (r *Resolver) CacheKey(cwd string) (Key, error) {
	res, err := r.Resolve(cwd)
	if err != nil {
		return "", err
	}
	return res.Key, nil
}

// Resolve returns the project root containing cwd and its key. When no marker
// is found up to the filesystem root, cwd itself is the root.
func (r *Resolver) Resolve(cwd string) (Resolution, error) {
	if strings.TrimSpace(cwd) == "" {
		return Resolution{}, fmt.Errorf("resolve project: empty directory")
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve project %q: %w", cwd, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if res, ok := r.cache[abs]; ok {
		return res, nil
	}
	root := FindRoot(abs, r.markers)
	res := Resolution{Root: root, Key: Sanitize(root)}
	r.cache[abs] = res
	return res, nil
}

// FindRoot walks from dir toward the filesystem root and returns the first
// directory containing one of markers, or dir when none does.
func FindRoot(dir string, markers []string) string {
	current := dir
	for {
		for _, marker := range markers {
			if _, err := os.Stat(filepath.Join(current, marker)); err == nil {
				return current
			}
		}
		parent := filepath.Dir(current)
		if parent == current {
			return dir
		}
		current = parent
	}
}

// Sanitize converts a root path into a key. '%', '/', '\' and ':' are
// percent-encoded so distinct roots never collide. Keys longer than 128 bytes
// are cut to 96 bytes and suffixed with a BLAKE3 digest of the full root.
func Sanitize(root string) Key {
	var b strings.Builder
	b.Grow(len(root) + 8)
	for i := 0; i < len(root); i++ {
		switch c := root[i]; c {
		case '%', '/', '\\', ':':
			fmt.Fprintf(&b, "%%%02X", c)
		default:
			b.WriteByte(c)
		}
	}
	encoded := b.String()
	if len(encoded) <= maxKeyLength {
		return Key(encoded)
	}

	sum := blake3.Sum256([]byte(root))
	digest := hex.EncodeToString(sum[:])[:keyHashHexLength]
	prefix := encoded[:truncatedKeyPrefix]
	// Never split a %XX escape.
	if i := strings.LastIndexByte(prefix, '%'); i >= len(prefix)-2 {
		prefix = prefix[:i]
	}
	return Key(prefix + "-" + digest)
}

// Package naming derives safe local file names for submitted URLs.
package naming

import (
	"context"
	"math/rand/v2"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/italolelis/urlrelay/internal/logctx"
)

const fallbackExt = ".file"

var (
	unsafeChars = regexp.MustCompile(`[<>:"/\\|?*]`)
	whitespace  = regexp.MustCompile(`\s+`)
	sitePrefix  = regexp.MustCompile(`(?i)^\s*www\.[^ ]+\s*-\s*`)
	dispoName   = regexp.MustCompile(`filename="?([^";]+)"?`)
)

// Sanitize strips characters unsafe on common filesystems, collapses whitespace and
// drops leading "www.site.tld - " tags. Sanitize(Sanitize(x)) == Sanitize(x).
func Sanitize(name string) string {
	name = unsafeChars.ReplaceAllString(name, "")
	name = whitespace.ReplaceAllString(name, " ")
	name = strings.TrimSpace(name)

	for {
		stripped := sitePrefix.ReplaceAllString(name, "")
		if stripped == name {
			return name
		}

		name = stripped
	}
}

// RandomToken returns a 5-digit numeric token.
func RandomToken() string {
	return strconv.Itoa(10000 + rand.IntN(90000))
}

// Resolver picks the local name and path a download is written to.
type Resolver struct {
	Dir    string
	Client *http.Client
	// Owned reports whether a live job already claims path.
	Owned func(path string) bool
}

func NewResolver(dir string, owned func(string) bool) *Resolver {
	return &Resolver{
		Dir:    dir,
		Client: &http.Client{Timeout: 15 * time.Second},
		Owned:  owned,
	}
}

// Name resolves the file name for rawURL. The URL path basename wins, then the
// caller's hint, then a Content-Disposition filename from a HEAD request, then a
// random token keeping the URL path extension.
func (r *Resolver) Name(ctx context.Context, rawURL, hint string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		u = &url.URL{}
	}

	if name := safe(basename(u.Path)); name != "" {
		return name
	}

	if name := safe(hint); name != "" {
		return name
	}

	if name := safe(r.dispositionName(ctx, rawURL)); name != "" {
		return name
	}

	ext := path.Ext(u.Path)
	if ext == "" {
		ext = fallbackExt
	}

	return RandomToken() + ext
}

// Path joins name onto the download directory, inserting a "-<token>" suffix
// before the extension while the candidate is owned by a live job or exists on disk.
func (r *Resolver) Path(name string) string {
	candidate := filepath.Join(r.Dir, name)

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := 0; i < 10 && r.taken(candidate); i++ {
		candidate = filepath.Join(r.Dir, stem+"-"+RandomToken()+ext)
	}

	return candidate
}

func (r *Resolver) taken(p string) bool {
	if r.Owned != nil && r.Owned(p) {
		return true
	}

	_, err := os.Lstat(p)

	return err == nil
}

func (r *Resolver) dispositionName(ctx context.Context, rawURL string) string {
	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return ""
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		logger.DebugContext(ctx, "head request failed", "err", err)

		return ""
	}
	defer resp.Body.Close()

	return dispositionFilename(resp.Header.Get("Content-Disposition"))
}

func dispositionFilename(cd string) string {
	if cd == "" {
		return ""
	}

	if _, params, err := mime.ParseMediaType(cd); err == nil {
		if name := params["filename"]; name != "" {
			return name
		}
	}

	if m := dispoName.FindStringSubmatch(cd); m != nil {
		return m[1]
	}

	return ""
}

func basename(p string) string {
	b := path.Base(p)
	if b == "/" || b == "." {
		return ""
	}

	return b
}

// safe sanitizes name and rejects results that would address a directory.
func safe(name string) string {
	name = Sanitize(name)
	if name == "." || name == ".." {
		return ""
	}

	return name
}

package naming

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"already safe", "movie.mp4", "movie.mp4"},
		{"unsafe characters", `a<b>c:d"e/f\g|h?i*j.mkv`, "abcdefghij.mkv"},
		{"whitespace runs", "  The   Movie\t(2020) .mkv  ", "The Movie (2020) .mkv"},
		{"site prefix", "www.Example.org - Movie.mkv", "Movie.mkv"},
		{"site prefix case insensitive", "WWW.tracker.net -Movie.mkv", "Movie.mkv"},
		{"stacked site prefixes", "www.a.com - www.b.com - Movie.mkv", "Movie.mkv"},
		{"prefix not at start", "Movie www.a.com - cut.mkv", "Movie www.a.com - cut.mkv"},
		{"only unsafe", `<>:"/\|?*`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Sanitize(tt.input))
		})
	}
}

func TestSanitize_Idempotent(t *testing.T) {
	inputs := []string{
		"",
		"movie.mp4",
		"www.a.com - www.b.com -  x",
		" www.a.com -www.b.com - ",
		"a\n\n\tb  c",
		`w<w>w.x.com - y`,
		"www.<a>.com - www.b - c?d*e",
		"    spaced   ",
	}

	for _, in := range inputs {
		once := Sanitize(in)
		assert.Equal(t, once, Sanitize(once), "input %q", in)
	}
}

func TestRandomToken(t *testing.T) {
	re := regexp.MustCompile(`^[1-9][0-9]{4}$`)

	for i := 0; i < 100; i++ {
		assert.Regexp(t, re, RandomToken())
	}
}

func TestResolver_Name(t *testing.T) {
	var heads atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		heads.Add(1)

		assert.Equal(t, http.MethodHead, r.Method)

		switch r.URL.Query().Get("id") {
		case "plain":
			w.Header().Set("Content-Disposition", `attachment; filename="www.site.com - Show S01E01.mkv"`)
		case "extended":
			w.Header().Set("Content-Disposition", `attachment; filename*=UTF-8''caf%C3%A9.mp3`)
		}
	}))
	defer server.Close()

	r := NewResolver(t.TempDir(), nil)
	ctx := context.Background()

	t.Run("url path basename", func(t *testing.T) {
		before := heads.Load()
		assert.Equal(t, "movie.mp4", r.Name(ctx, server.URL+"/files/movie.mp4", "ignored"))
		assert.Equal(t, before, heads.Load(), "no probe needed when the path names the file")
	})

	t.Run("escaped basename", func(t *testing.T) {
		assert.Equal(t, "My Movie.mkv", r.Name(ctx, server.URL+"/My%20%20Movie.mkv", ""))
	})

	t.Run("rename hint", func(t *testing.T) {
		assert.Equal(t, "custom.bin", r.Name(ctx, server.URL+"/", "custom.bin"))
	})

	t.Run("content disposition", func(t *testing.T) {
		assert.Equal(t, "Show S01E01.mkv", r.Name(ctx, server.URL+"/?id=plain", ""))
	})

	t.Run("rfc 2231 content disposition", func(t *testing.T) {
		assert.Equal(t, "café.mp3", r.Name(ctx, server.URL+"/?id=extended", ""))
	})

	t.Run("random fallback", func(t *testing.T) {
		assert.Regexp(t, `^[0-9]{5}\.file$`, r.Name(ctx, server.URL+"/", ""))
	})

	t.Run("unreachable host", func(t *testing.T) {
		assert.Regexp(t, `^[0-9]{5}\.file$`, r.Name(ctx, "http://127.0.0.1:1/", ""))
	})

	t.Run("dot dot is never a name", func(t *testing.T) {
		assert.Regexp(t, `^[0-9]{5}\.file$`, r.Name(ctx, server.URL+"/", ".."))
	})
}

func TestResolver_Path(t *testing.T) {
	dir := t.TempDir()
	owned := filepath.Join(dir, "owned.mp4")

	r := NewResolver(dir, func(p string) bool { return p == owned })

	assert.Equal(t, filepath.Join(dir, "free.mp4"), r.Path("free.mp4"))

	got := r.Path("owned.mp4")
	assert.Regexp(t, `owned-[0-9]{5}\.mp4$`, got)
	assert.Equal(t, dir, filepath.Dir(got))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "exists.zip"), []byte("x"), 0o600))
	assert.Regexp(t, `exists-[0-9]{5}\.zip$`, r.Path("exists.zip"))
}

func TestDispositionFilename(t *testing.T) {
	assert.Equal(t, "", dispositionFilename(""))
	assert.Equal(t, "a.txt", dispositionFilename(`attachment; filename=a.txt`))
	assert.Equal(t, "b c.txt", dispositionFilename(`attachment; filename="b c.txt"`))
	assert.Equal(t, "broken.txt", dispositionFilename(`attachment;; filename="broken.txt`))
	assert.Equal(t, "", dispositionFilename(`inline`))
}

package archive

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, members map[string]string) string {
	t.Helper()

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	for name, content := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)

		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "archive.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	return path
}

func TestIsArchive(t *testing.T) {
	assert.True(t, IsArchive(writeZip(t, map[string]string{"a.txt": "a"})))

	plain := filepath.Join(t.TempDir(), "movie.mp4")
	require.NoError(t, os.WriteFile(plain, []byte("not a zip"), 0o600))
	assert.False(t, IsArchive(plain))

	assert.False(t, IsArchive(filepath.Join(t.TempDir(), "missing.zip")))
}

func TestExtractAll(t *testing.T) {
	path := writeZip(t, map[string]string{
		"one.mkv":         "1",
		"season/two.mkv":  "22",
		"season/":         "",
		"season/sub/3.sr": "333",
	})

	dest := t.TempDir()

	files, err := ExtractAll(path, dest)
	require.NoError(t, err)
	assert.Len(t, files, 3)

	for _, f := range files {
		rel, err := filepath.Rel(dest, f)
		require.NoError(t, err)
		assert.NotContains(t, rel, "..")
	}

	b, err := os.ReadFile(filepath.Join(dest, "season", "two.mkv"))
	require.NoError(t, err)
	assert.Equal(t, "22", string(b))
}

func TestExtractAll_Invalid(t *testing.T) {
	plain := filepath.Join(t.TempDir(), "fake.zip")
	require.NoError(t, os.WriteFile(plain, []byte("PK garbage"), 0o600))

	_, err := ExtractAll(plain, t.TempDir())

	var invalid *InvalidArchiveError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, plain, invalid.Path)
	assert.Contains(t, err.Error(), "not a valid zip file")
}

func TestExtractAll_RejectsZipSlip(t *testing.T) {
	tests := []string{"../evil.sh", "nested/../../evil.sh", "/etc/evil", `..\evil.bat`}

	for _, name := range tests {
		t.Run(name, func(t *testing.T) {
			path := writeZip(t, map[string]string{"ok.txt": "ok", name: "x"})
			dest := filepath.Join(t.TempDir(), "scratch")
			require.NoError(t, os.Mkdir(dest, 0o755))

			_, err := ExtractAll(path, dest)

			var invalid *InvalidArchiveError
			require.True(t, errors.As(err, &invalid))

			entries, err := os.ReadDir(dest)
			require.NoError(t, err)
			assert.Empty(t, entries, "nothing is written when any member is unsafe")
			assert.NoFileExists(t, filepath.Join(filepath.Dir(dest), "evil.sh"))
		})
	}
}

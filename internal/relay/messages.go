package relay

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/urlrelay/internal/engine"
	"github.com/italolelis/urlrelay/internal/status"
)

const (
	msgDownloadCancelled = "❌ Download cancelled by user."
	msgJobCancelled      = "❌ Job cancelled by user."
	msgCancelRequested   = "❌ Cancel requested by user"
	msgShuttingDown      = "❌ Service shutting down, job cancelled."
	msgArchiveDone       = "✅ Zip extracted and all files uploaded successfully."
)

func stem(path string) string {
	base := filepath.Base(path)

	return strings.TrimSuffix(base, filepath.Ext(base))
}

func startingText(name string) string {
	return fmt.Sprintf("📥 Starting download: `%s`", name)
}

func downloadText(name string, s engine.Snapshot) string {
	return fmt.Sprintf("%s\n┃ %s\n┠ Processed: %s of %s\n┠ Status: %s | Speed: %s/s",
		name,
		status.Bar(s.Percent()),
		humanize.IBytes(uint64(max(s.Completed, 0))),
		humanize.IBytes(uint64(max(s.Total, 0))),
		s.Status,
		humanize.IBytes(uint64(max(s.Speed, 0))),
	)
}

func uploadText(name string, sent, total int64, elapsed time.Duration) string {
	var speed int64
	if secs := elapsed.Seconds(); secs > 0 {
		speed = int64(float64(sent) / secs)
	}

	return fmt.Sprintf("⬆️ Uploading `%s`\n%s\nUploaded: %s / %s\nSpeed: %s/s | Elapsed: %s",
		name,
		status.Bar(status.Percent(sent, total)),
		humanize.IBytes(uint64(max(sent, 0))),
		humanize.IBytes(uint64(max(total, 0))),
		humanize.IBytes(uint64(max(speed, 0))),
		elapsed.Round(time.Second),
	)
}

func uploadedText(name string) string {
	return fmt.Sprintf("✅ Uploaded `%s`", name)
}

func uploadCancelledText(name string) string {
	return fmt.Sprintf("❌ Upload cancelled: `%s`", name)
}

func uploadFailedText(name string, err error) string {
	return fmt.Sprintf("❌ Upload failed: `%s`\n%v", name, err)
}

func extractingText(archive, dir string) string {
	return fmt.Sprintf("🗜 Extracting `%s` to `%s`...", filepath.Base(archive), filepath.Base(dir))
}

func invalidArchiveText(name string) string {
	return fmt.Sprintf("❌ `%s` is not a valid zip file.", name)
}

func archivePartialText(uploaded, total int) string {
	return fmt.Sprintf("⚠️ Zip extracted, %d of %d files uploaded.", uploaded, total)
}

func downloadFailedText(name, reason string) string {
	if reason == "" {
		reason = "download engine reported an error"
	}

	return fmt.Sprintf("❌ Download failed: `%s`\n%s", name, reason)
}

// Package media builds short captions for uploaded media files.
package media

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/italolelis/urlrelay/internal/logctx"
)

const placeholder = "Could not parse file"

var mediaExts = map[string]bool{
	".mp4": true, ".mkv": true, ".avi": true, ".mov": true, ".webm": true, ".m4v": true,
	".ts": true, ".flv": true, ".wmv": true, ".mpg": true, ".mpeg": true,
	".mp3": true, ".m4a": true, ".flac": true, ".ogg": true, ".opus": true, ".wav": true, ".aac": true,
}

var languages = map[string]string{
	"en": "English", "hi": "Hindi", "ta": "Tamil", "te": "Telugu",
	"kn": "Kannada", "ml": "Malayalam", "mr": "Marathi", "bn": "Bengali",
	"gu": "Gujarati", "pa": "Punjabi", "ja": "Japanese", "ko": "Korean",
	"zh": "Chinese", "fr": "French", "de": "German", "es": "Spanish",
	"it": "Italian", "ru": "Russian", "ar": "Arabic",

	"eng": "English", "hin": "Hindi", "tam": "Tamil", "tel": "Telugu",
	"kan": "Kannada", "mal": "Malayalam", "mar": "Marathi", "ben": "Bengali",
	"guj": "Gujarati", "pan": "Punjabi", "jpn": "Japanese", "kor": "Korean",
	"zho": "Chinese", "chi": "Chinese", "fra": "French", "fre": "French",
	"deu": "German", "ger": "German", "spa": "Spanish", "ita": "Italian",
	"rus": "Russian", "ara": "Arabic",
}

// Stream is one probed stream. Height is zero for non-video streams.
type Stream struct {
	Kind     string // video, audio or subtitle
	Height   int
	Language string
}

// Info is what a Prober learned about a file.
type Info struct {
	Duration time.Duration
	Streams  []Stream
}

type Prober interface {
	Probe(ctx context.Context, path string) (Info, error)
}

// Describer turns probe results into captions. It never fails.
type Describer struct {
	prober Prober
}

func NewDescriber(p Prober) *Describer {
	return &Describer{prober: p}
}

// IsMedia reports whether path has an extension worth probing.
func IsMedia(path string) bool {
	return mediaExts[strings.ToLower(filepath.Ext(path))]
}

// Caption is the text attached to an uploaded file: its stem, followed by a media
// summary for media files.
func (d *Describer) Caption(ctx context.Context, path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	if !IsMedia(path) || d == nil || d.prober == nil {
		return stem
	}

	return stem + "\n\n" + d.Summary(ctx, path)
}

// Summary probes path and formats quality, duration and languages. Probe failures
// yield a placeholder.
func (d *Describer) Summary(ctx context.Context, path string) string {
	info, err := d.prober.Probe(ctx, path)
	if err != nil {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "media probe failed", "file", filepath.Base(path), "err", err)

		return placeholder
	}

	return Format(info)
}

// Format renders info as
//
//	🎬 1080p | ⏳ 1h2m3s
//	🔊 English, Hindi
//	💬 English
func Format(info Info) string {
	var (
		qualities []string
		audio     []string
		subtitles []string
	)

	for _, s := range info.Streams {
		switch s.Kind {
		case "video":
			if s.Height <= 0 {
				continue
			}

			if q := Quality(s.Height); !slices.Contains(qualities, q) {
				qualities = append(qualities, q)
			}
		case "audio":
			if lang := Language(s.Language); lang != "" && !slices.Contains(audio, lang) {
				audio = append(audio, lang)
			}
		case "subtitle":
			if lang := Language(s.Language); lang != "" && !slices.Contains(subtitles, lang) {
				subtitles = append(subtitles, lang)
			}
		}
	}

	sort.Strings(qualities)
	sort.Strings(subtitles)

	return fmt.Sprintf("🎬 %s | ⏳ %s\n🔊 %s\n💬 %s",
		orDefault(qualities, "Unknown"),
		Duration(info.Duration),
		orDefault(audio, "Unknown"),
		orDefault(subtitles, "None"),
	)
}

// Quality maps a frame height to a resolution tier.
func Quality(height int) string {
	switch {
	case height >= 2160:
		return "4K"
	case height >= 1440:
		return "2K"
	case height >= 1080:
		return "1080p"
	case height >= 720:
		return "720p"
	case height >= 480:
		return "480p"
	default:
		return fmt.Sprintf("%dp", height)
	}
}

// Duration formats whole seconds as XhYmZs, or YmZs under an hour.
func Duration(d time.Duration) string {
	secs := int(d / time.Second)
	if secs <= 0 {
		return "Unknown"
	}

	h, m, s := secs/3600, secs%3600/60, secs%60
	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}

	return fmt.Sprintf("%dm%ds", m, s)
}

// Language maps an ISO 639 code to an English name. Unknown codes are capitalised;
// empty and undetermined codes map to "".
func Language(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" || code == "und" {
		return ""
	}

	if name, ok := languages[code]; ok {
		return name
	}

	return strings.ToUpper(code[:1]) + code[1:]
}

func orDefault(values []string, def string) string {
	if len(values) == 0 {
		return def
	}

	return strings.Join(values, ", ")
}

package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/floostack/transcoder/ffmpeg"
)

// FFprobe probes files with the ffprobe binary at Path.
type FFprobe struct {
	Path string
}

func NewFFprobe(path string) *FFprobe {
	return &FFprobe{Path: path}
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Tags      struct {
			Language string `json:"language"`
		} `json:"tags"`
	} `json:"streams"`
}

// Probe reads duration and frame heights through the transcoder metadata API, and
// audio and subtitle language tags from ffprobe's stream listing.
func (p *FFprobe) Probe(ctx context.Context, path string) (Info, error) {
	metadata, err := ffmpeg.New(&ffmpeg.Config{FfprobeBinPath: p.Path}).Input(path).GetMetadata()
	if err != nil {
		return Info{}, fmt.Errorf("failed to extract file metadata information using ffprobe: %w", err)
	}

	info := Info{Duration: parseSeconds(metadata.GetFormat().GetDuration())}

	for _, s := range metadata.GetStreams() {
		if h := s.GetHeight(); h > 0 {
			info.Streams = append(info.Streams, Stream{Kind: "video", Height: h})
		}
	}

	tagged, err := p.languages(ctx, path)
	if err != nil {
		// languages are optional, the quality line is still worth showing
		return info, nil
	}

	info.Streams = append(info.Streams, tagged...)

	return info, nil
}

func (p *FFprobe) languages(ctx context.Context, path string) ([]Stream, error) {
	out, err := exec.CommandContext(ctx, p.Path, "-v", "quiet", "-print_format", "json", "-show_streams", path).Output()
	if err != nil {
		return nil, err
	}

	var parsed probeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, err
	}

	var streams []Stream

	for _, s := range parsed.Streams {
		if s.CodecType != "audio" && s.CodecType != "subtitle" {
			continue
		}

		streams = append(streams, Stream{Kind: s.CodecType, Language: s.Tags.Language})
	}

	return streams, nil
}

func parseSeconds(s string) time.Duration {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0
	}

	return time.Duration(f * float64(time.Second))
}

package metering

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	_ "golang.org/x/image/webp"
)

// VideoInfo describes the first video stream of a container.
type VideoInfo struct {
	Duration time.Duration
	Width    int
	Height   int
}

// MediaProbe extracts the measurements pricing needs from raw media bytes.
type MediaProbe interface {
	ImageSize(data []byte) (width, height int, err error)
	AudioDuration(data []byte) (time.Duration, error)
	VideoInfo(data []byte) (VideoInfo, error)
}

// ErrUnsupportedMedia is returned when no decoder recognises the payload.
var ErrUnsupportedMedia = errors.New("unsupported media format")

// Probe is the built-in MediaProbe. Images are decoded with the registered
// image formats (png, jpeg, gif, webp), audio as WAV or MP3, and video with an
// external ffprobe binary.
type Probe struct {
	// FFProbe is the ffprobe executable; empty means "ffprobe" on PATH.
	FFProbe string
	Timeout time.Duration
}

func NewProbe() *Probe { return &Probe{Timeout: 30 * time.Second} }

func (p *Probe) ImageSize(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnsupportedMedia, err)
	}
	return cfg.Width, cfg.Height, nil
}

func (p *Probe) AudioDuration(data []byte) (time.Duration, error) {
	if dur, ok := wavDuration(data); ok {
		return dur, nil
	}
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedMedia, err)
	}
	// decoded stream is 16-bit stereo PCM
	samples := dec.Length() / 4
	if samples <= 0 || dec.SampleRate() <= 0 {
		return 0, fmt.Errorf("%w: empty mp3 stream", ErrUnsupportedMedia)
	}
	return time.Duration(float64(samples) / float64(dec.SampleRate()) * float64(time.Second)), nil
}

// wavDuration measures the PCM data chunk only, so headers and metadata
// chunks are not billed as audio.
func wavDuration(data []byte) (time.Duration, bool) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if err := dec.FwdToPCM(); err != nil || dec.Err() != nil {
		return 0, false
	}
	bytesPerSec := int64(dec.SampleRate) * int64(dec.NumChans) * int64(dec.BitDepth) / 8
	if bytesPerSec <= 0 || dec.PCMLen() <= 0 {
		return 0, false
	}
	return time.Duration(dec.PCMLen()) * time.Second / time.Duration(bytesPerSec), true
}

func (p *Probe) VideoInfo(data []byte) (VideoInfo, error) {
	bin := p.FFProbe
	if bin == "" {
		bin = "ffprobe"
	}
	tmp, err := os.CreateTemp("", "inferd-video-*")
	if err != nil {
		return VideoInfo{}, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return VideoInfo{}, err
	}
	if err := tmp.Close(); err != nil {
		return VideoInfo{}, err
	}

	ctx := context.Background()
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	out, err := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height:format=duration",
		"-of", "json",
		tmp.Name(),
	).Output()
	if err != nil {
		return VideoInfo{}, fmt.Errorf("ffprobe: %w", err)
	}
	return parseFFProbe(out)
}

func parseFFProbe(out []byte) (VideoInfo, error) {
	var res struct {
		Streams []struct {
			Width  int `json:"width"`
			Height int `json:"height"`
		} `json:"streams"`
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		return VideoInfo{}, fmt.Errorf("ffprobe output: %w", err)
	}
	if len(res.Streams) == 0 {
		return VideoInfo{}, fmt.Errorf("%w: no video stream", ErrUnsupportedMedia)
	}
	info := VideoInfo{Width: res.Streams[0].Width, Height: res.Streams[0].Height}
	if res.Format.Duration != "" {
		secs, err := strconv.ParseFloat(res.Format.Duration, 64)
		if err != nil {
			return VideoInfo{}, fmt.Errorf("ffprobe duration: %w", err)
		}
		info.Duration = time.Duration(secs * float64(time.Second))
	}
	return info, nil
}

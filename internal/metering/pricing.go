// Package metering prices typed message content and debits caller balances.
package metering

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"inferd/pkg/types"
)

// Direction selects which side of a pricing table applies.
type Direction int

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	if d == Output {
		return "output"
	}
	return "input"
}

const (
	tokensPerUnit = 1_000_000.0
	pixelsPerMega = 1024.0
	bytesPerMiB   = 1048576.0
)

// PriceMap is a per-MiB price for non-media content types. A bare number in
// configuration applies to every subtype and is stored under "global".
type PriceMap map[string]float64

// For returns the price of a content subtype, falling back to "global".
func (p PriceMap) For(subtype string) float64 {
	if v, ok := p[subtype]; ok {
		return v
	}
	return p["global"]
}

func (p *PriceMap) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*p = PriceMap{"global": f}
		return nil
	}
	var m map[string]float64
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("price must be a number or a map of numbers: %w", err)
	}
	*p = m
	return nil
}

func (p *PriceMap) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		var f float64
		if err := n.Decode(&f); err != nil {
			return err
		}
		*p = PriceMap{"global": f}
		return nil
	}
	var m map[string]float64
	if err := n.Decode(&m); err != nil {
		return fmt.Errorf("price must be a number or a map of numbers: %w", err)
	}
	*p = m
	return nil
}

// PricingTable holds unit prices of a model. Text is priced per 1M tokens,
// images per megapixel, audio per second, video per second (S) plus per
// megapixel (R), everything else per MiB.
type PricingTable struct {
	TextInput    float64  `json:"text_input" yaml:"text_input" toml:"text_input"`
	TextOutput   float64  `json:"text_output" yaml:"text_output" toml:"text_output"`
	ImageInput   float64  `json:"image_input" yaml:"image_input" toml:"image_input"`
	ImageOutput  float64  `json:"image_output" yaml:"image_output" toml:"image_output"`
	AudioInput   float64  `json:"audio_input" yaml:"audio_input" toml:"audio_input"`
	AudioOutput  float64  `json:"audio_output" yaml:"audio_output" toml:"audio_output"`
	VideoInputS  float64  `json:"video_input_s" yaml:"video_input_s" toml:"video_input_s"`
	VideoInputR  float64  `json:"video_input_r" yaml:"video_input_r" toml:"video_input_r"`
	VideoOutputS float64  `json:"video_output_s" yaml:"video_output_s" toml:"video_output_s"`
	VideoOutputR float64  `json:"video_output_r" yaml:"video_output_r" toml:"video_output_r"`
	OtherInput   PriceMap `json:"other_input,omitempty" yaml:"other_input,omitempty" toml:"other_input,omitempty"`
	OtherOutput  PriceMap `json:"other_output,omitempty" yaml:"other_output,omitempty" toml:"other_output,omitempty"`
}

type unitPrices struct {
	text, image, audio, videoS, videoR float64
	other                              PriceMap
}

func (t PricingTable) side(d Direction) unitPrices {
	if d == Output {
		return unitPrices{t.TextOutput, t.ImageOutput, t.AudioOutput, t.VideoOutputS, t.VideoOutputR, t.OtherOutput}
	}
	return unitPrices{t.TextInput, t.ImageInput, t.AudioInput, t.VideoInputS, t.VideoInputR, t.OtherInput}
}

// Pricer prices content using a tokenizer for text and a probe for media.
type Pricer struct {
	Tokenizer Tokenizer
	Probe     MediaProbe
}

// NewPricer returns a Pricer. Nil collaborators fall back to the default
// tokenizer and the built-in media probe.
func NewPricer(tok Tokenizer, probe MediaProbe) *Pricer {
	if tok == nil {
		tok = DefaultTokenizer()
	}
	if probe == nil {
		probe = NewProbe()
	}
	return &Pricer{Tokenizer: tok, Probe: probe}
}

// Price sums the cost of every part under the given side of the table.
// Empty parts cost nothing.
func (p *Pricer) Price(parts []types.ContentPart, table PricingTable, d Direction) (float64, error) {
	u := table.side(d)
	total := 0.0
	for _, part := range parts {
		if part.Data == "" {
			continue
		}
		switch part.Type {
		case types.PartText:
			if u.text == 0 {
				continue
			}
			total += float64(p.Tokenizer.Count(part.Data)) * u.text / tokensPerUnit
		case types.PartImage:
			if u.image == 0 {
				continue
			}
			raw, err := part.Bytes()
			if err != nil {
				return 0, fmt.Errorf("price image: %w", err)
			}
			w, h, err := p.Probe.ImageSize(raw)
			if err != nil {
				return 0, fmt.Errorf("price image: %w", err)
			}
			total += megapixels(w, h) * u.image
		case types.PartAudio:
			if u.audio == 0 {
				continue
			}
			raw, err := part.Bytes()
			if err != nil {
				return 0, fmt.Errorf("price audio: %w", err)
			}
			dur, err := p.Probe.AudioDuration(raw)
			if err != nil {
				return 0, fmt.Errorf("price audio: %w", err)
			}
			total += dur.Seconds() * u.audio
		case types.PartVideo:
			if u.videoS == 0 && u.videoR == 0 {
				continue
			}
			raw, err := part.Bytes()
			if err != nil {
				return 0, fmt.Errorf("price video: %w", err)
			}
			info, err := p.Probe.VideoInfo(raw)
			if err != nil {
				return 0, fmt.Errorf("price video: %w", err)
			}
			secs := float64(info.Duration.Truncate(time.Second) / time.Second)
			total += secs*u.videoS + megapixels(info.Width, info.Height)*u.videoR
		default:
			total += float64(len(part.Data)) / bytesPerMiB * u.other.For(part.Type)
		}
	}
	return total, nil
}

// PriceMessages prices every message of a conversation together.
func (p *Pricer) PriceMessages(conv types.Conversation, table PricingTable, d Direction) (float64, error) {
	total := 0.0
	for _, m := range conv {
		v, err := p.Price(m.Content, table, d)
		if err != nil {
			return 0, err
		}
		total += v
	}
	return total, nil
}

func megapixels(w, h int) float64 {
	return (float64(w) / pixelsPerMega) * (float64(h) / pixelsPerMega)
}

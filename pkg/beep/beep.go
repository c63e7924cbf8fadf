// Package beep plays a short confirmation sound when a code is dialed.
package beep

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/hajimehoshi/go-mp3"
	"github.com/wachiwi/recarga/pkg/code"
	"github.com/youpy/go-wav"
)

const (
	sampleRate   = 44100
	channelCount = 2
)

// Player holds one decoded sound and the audio context it plays on.
type Player struct {
	otoCtx  *oto.Context
	pcm     []byte
	playing atomic.Bool
	logger  *slog.Logger
}

// New decodes the WAV or MP3 file at path and opens the audio device.
// Only one Player may exist per process.
func New(path string, logger *slog.Logger) (*Player, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pcm, err := decodeFile(path)
	if err != nil {
		return nil, err
	}

	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channelCount,
		Format:       oto.FormatSignedInt16LE,
	}
	otoCtx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}
	<-ready

	return &Player{otoCtx: otoCtx, pcm: pcm, logger: logger.With("component", "beep")}, nil
}

// Trigger starts the sound and returns immediately. A trigger that arrives
// while the sound is still playing is dropped.
func (p *Player) Trigger(_ context.Context, _ string, _ code.Template) error {
	if !p.playing.CompareAndSwap(false, true) {
		p.logger.Debug("Beep already playing")
		return nil
	}
	go p.play()
	return nil
}

func (p *Player) play() {
	defer p.playing.Store(false)

	player := p.otoCtx.NewPlayer(bytes.NewReader(p.pcm))
	defer player.Close()
	player.Play()
	for player.IsPlaying() {
		time.Sleep(20 * time.Millisecond)
	}
}

func decodeFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sound file: %w", err)
	}
	return decodeSound(filepath.Ext(path), data)
}

// decodeSound returns 16-bit PCM at 44.1 kHz stereo.
func decodeSound(ext string, data []byte) ([]byte, error) {
	var (
		pcm      []byte
		rate     int
		channels int
	)

	switch strings.ToLower(ext) {
	case ".wav":
		format, err := wav.NewReader(bytes.NewReader(data)).Format()
		if err != nil {
			return nil, fmt.Errorf("failed to get wav format: %w", err)
		}
		if format.BitsPerSample != 16 {
			return nil, fmt.Errorf("unsupported wav sample size %d", format.BitsPerSample)
		}
		pcm, err = io.ReadAll(wav.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("failed to decode wav data: %w", err)
		}
		rate = int(format.SampleRate)
		channels = int(format.NumChannels)

	case ".mp3":
		decoder, err := mp3.NewDecoder(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create mp3 decoder: %w", err)
		}
		pcm, err = io.ReadAll(decoder)
		if err != nil {
			return nil, fmt.Errorf("failed to decode mp3 data: %w", err)
		}
		rate = decoder.SampleRate()
		channels = 2

	default:
		return nil, fmt.Errorf("unsupported sound format %q", ext)
	}

	if len(pcm) == 0 {
		return nil, fmt.Errorf("sound has no samples")
	}
	if rate != sampleRate || channels != channelCount {
		pcm = convertAudio(pcm, rate, channels, sampleRate, channelCount)
	}
	return pcm, nil
}

// convertAudio converts 16-bit little-endian PCM between sample rates and
// from mono to stereo.
func convertAudio(pcmData []byte, fromRate, fromChannels, toRate, toChannels int) []byte {
	sampleCount := len(pcmData) / 2
	samples := make([]int16, sampleCount)
	for i := range sampleCount {
		samples[i] = int16(binary.LittleEndian.Uint16(pcmData[i*2 : i*2+2]))
	}

	frames := samples
	if fromChannels == 1 && toChannels == 2 {
		frames = make([]int16, sampleCount*2)
		for i, s := range samples {
			frames[i*2] = s
			frames[i*2+1] = s
		}
	}

	if fromRate != toRate && len(frames) >= toChannels {
		// Interpolate per channel so left and right never mix.
		ratio := float64(toRate) / float64(fromRate)
		inFrames := len(frames) / toChannels
		outFrames := int(float64(inFrames) * ratio)
		out := make([]int16, outFrames*toChannels)
		for i := range outFrames {
			srcPos := float64(i) / ratio
			srcIdx := int(srcPos)
			frac := srcPos - float64(srcIdx)
			for ch := range toChannels {
				if srcIdx >= inFrames-1 {
					out[i*toChannels+ch] = frames[(inFrames-1)*toChannels+ch]
					continue
				}
				a := float64(frames[srcIdx*toChannels+ch])
				b := float64(frames[(srcIdx+1)*toChannels+ch])
				out[i*toChannels+ch] = int16(a + (b-a)*frac)
			}
		}
		frames = out
	}

	result := make([]byte, len(frames)*2)
	for i, s := range frames {
		binary.LittleEndian.PutUint16(result[i*2:i*2+2], uint16(s))
	}
	return result
}

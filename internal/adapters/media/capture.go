// Package media provides file and log backed stand-ins for the microphone,
// the speaker and the ring tones.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dkeye/salescall/internal/core"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"
	"github.com/youpy/go-wav"
)

const (
	DefaultFrameInterval = 20 * time.Millisecond
	pcm16BytesPerValue   = 2
)

var (
	ErrNoSource       = errors.New("no capture source configured")
	ErrUnsupportedWAV = errors.New("unsupported wav format")
	errAlreadyStarted = errors.New("capture already started")
	opusTagsSignature = []byte("OpusTags")
)

// FileCapture stands in for a microphone: the encoded side replays the pages
// of an Ogg file, the raw side replays the PCM of a WAV file.
type FileCapture struct {
	OggPath  string
	WAVPath  string
	Interval time.Duration
}

var _ core.CaptureProvider = (*FileCapture)(nil)

func (f *FileCapture) Acquire(ctx context.Context) (core.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.OggPath == "" && f.WAVPath == "" {
		return nil, ErrNoSource
	}
	for _, p := range []string{f.OggPath, f.WAVPath} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("capture source: %w", err)
		}
	}
	interval := f.Interval
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &fileStream{oggPath: f.OggPath, wavPath: f.WAVPath, interval: interval}, nil
}

type fileStream struct {
	oggPath  string
	wavPath  string
	interval time.Duration

	mu      sync.Mutex
	started bool
	files   []*os.File
	stop    chan struct{}
	wg      sync.WaitGroup
}

func (s *fileStream) Start(onEncoded func(core.Frame), onRaw func(core.RawFrame)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errAlreadyStarted
	}

	var pages *oggreader.OggReader
	if s.oggPath != "" && onEncoded != nil {
		f, err := os.Open(s.oggPath)
		if err != nil {
			return err
		}
		s.files = append(s.files, f)
		r, _, err := oggreader.NewWith(f)
		if err != nil {
			s.closeFiles()
			return fmt.Errorf("ogg header: %w", err)
		}
		pages = r
	}

	var pcm *pcmSource
	if s.wavPath != "" && onRaw != nil {
		f, err := os.Open(s.wavPath)
		if err != nil {
			s.closeFiles()
			return err
		}
		s.files = append(s.files, f)
		src, err := newPCMSource(f, s.interval)
		if err != nil {
			s.closeFiles()
			return err
		}
		pcm = src
	}

	stop := make(chan struct{})
	s.started = true
	s.stop = stop
	s.wg.Add(1)
	go s.run(stop, pages, pcm, onEncoded, onRaw)
	return nil
}

// run selects on its own copy of stop, never on the field.
func (s *fileStream) run(stop <-chan struct{}, pages *oggreader.OggReader, pcm *pcmSource, onEncoded func(core.Frame), onRaw func(core.RawFrame)) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for pages != nil || pcm != nil {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		select {
		case <-stop:
			return
		default:
		}
		if pages != nil {
			page, err := nextAudioPage(pages)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Warn().Err(err).Str("module", "adapters.media").Msg("ogg page read")
				}
				pages = nil
			} else {
				onEncoded(core.Frame(page))
			}
		}
		if pcm != nil {
			frame, err := pcm.next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Warn().Err(err).Str("module", "adapters.media").Msg("wav read")
				}
				pcm = nil
			} else {
				onRaw(frame)
			}
		}
	}
	log.Info().Str("module", "adapters.media").Msg("capture source exhausted")
}

// nextAudioPage skips the comment header page.
func nextAudioPage(r *oggreader.OggReader) ([]byte, error) {
	for {
		page, _, err := r.ParseNextPage()
		if err != nil {
			return nil, err
		}
		if bytes.HasPrefix(page, opusTagsSignature) {
			continue
		}
		return page, nil
	}
}

func (s *fileStream) Stop() {
	s.mu.Lock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.mu.Unlock()
	s.wg.Wait()

	s.mu.Lock()
	s.closeFiles()
	s.mu.Unlock()
}

func (s *fileStream) closeFiles() {
	for _, f := range s.files {
		_ = f.Close()
	}
	s.files = nil
}

// pcmSource yields one interval of 16-bit PCM at a time as float frames.
type pcmSource struct {
	r          *wav.Reader
	channels   int
	sampleRate int
	buf        []byte
}

func newPCMSource(f *os.File, interval time.Duration) (*pcmSource, error) {
	r := wav.NewReader(f)
	format, err := r.Format()
	if err != nil {
		return nil, fmt.Errorf("wav format: %w", err)
	}
	if format.BitsPerSample != 16 || format.NumChannels == 0 || format.SampleRate == 0 {
		return nil, fmt.Errorf("%w: %d bits, %d channels, %d Hz",
			ErrUnsupportedWAV, format.BitsPerSample, format.NumChannels, format.SampleRate)
	}
	channels := int(format.NumChannels)
	perInterval := int(time.Duration(format.SampleRate) * interval / time.Second)
	if perInterval < 1 {
		perInterval = 1
	}
	return &pcmSource{
		r:          r,
		channels:   channels,
		sampleRate: int(format.SampleRate),
		buf:        make([]byte, perInterval*channels*pcm16BytesPerValue),
	}, nil
}

func (p *pcmSource) next() (core.RawFrame, error) {
	n, err := io.ReadFull(p.r, p.buf)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = nil
	}
	n -= n % (p.channels * pcm16BytesPerValue)
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return core.RawFrame{}, err
	}
	samples := make([]float32, n/pcm16BytesPerValue)
	for i := range samples {
		v := int16(uint16(p.buf[2*i]) | uint16(p.buf[2*i+1])<<8)
		samples[i] = float32(v) / 32768
	}
	return core.RawFrame{Samples: samples, Channels: p.channels, SampleRate: p.sampleRate}, nil
}

package media

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"

	"github.com/dkeye/salescall/internal/core"
	"github.com/dkeye/salescall/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"
)

const (
	opusSampleRate    = 48000
	opusChannels      = 2
	opusPayloadType   = 111
	samplesPerSegment = opusSampleRate / 50
	sinkBacklog       = 8
)

var ErrSinkBusy = errors.New("sink backlog full")

// OggSinkFactory records each call's received audio to <dir>/<call id>.ogg.
type OggSinkFactory struct {
	Dir string
}

var _ core.SinkFactory = (*OggSinkFactory)(nil)

func (f *OggSinkFactory) NewSink(callID domain.CallID) (core.Sink, error) {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("playback dir: %w", err)
	}
	path := filepath.Join(f.Dir, filepath.Base(string(callID))+".ogg")
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := oggwriter.NewWith(file, opusSampleRate, opusChannels)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	s := &OggSink{
		path: path,
		w:    w,
		jobs: make(chan sinkJob, sinkBacklog),
		ssrc: rand.Uint32(),
		seq:  uint16(rand.Uint32()),
	}
	s.wg.Add(1)
	go s.work()
	log.Info().Str("module", "adapters.media").Str("call_id", string(callID)).Str("path", path).Msg("playback sink opened")
	return s, nil
}

type sinkJob struct {
	seg  core.Frame
	done func(error)
}

// OggSink writes segments on its own goroutine; done fires once the page is
// on disk.
type OggSink struct {
	path string
	w    *oggwriter.OggWriter
	jobs chan sinkJob
	wg   sync.WaitGroup

	// worker only
	ssrc uint32
	seq  uint16
	ts   uint32

	mu     sync.Mutex
	closed bool
}

func (s *OggSink) Path() string { return s.path }

func (s *OggSink) Append(seg core.Frame, done func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		go done(core.ErrSinkClosed)
		return
	}
	select {
	case s.jobs <- sinkJob{seg: seg, done: done}:
	default:
		go done(ErrSinkBusy)
	}
}

func (s *OggSink) work() {
	defer s.wg.Done()
	for job := range s.jobs {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    opusPayloadType,
				SequenceNumber: s.seq,
				Timestamp:      s.ts,
				SSRC:           s.ssrc,
			},
			Payload: job.seg,
		}
		s.seq++
		s.ts += samplesPerSegment
		err := s.w.WriteRTP(pkt)
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.media").Str("path", s.path).Msg("ogg write")
		}
		job.done(err)
	}
}

// Close drains segments already accepted, then finalizes the file.
func (s *OggSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()

	s.wg.Wait()
	return s.w.Close()
}

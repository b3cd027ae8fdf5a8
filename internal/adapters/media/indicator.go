package media

import (
	"sync"

	"github.com/dkeye/salescall/internal/core"
	"github.com/rs/zerolog/log"
)

// LogIndicator is a ring tone you can only read about.
type LogIndicator struct {
	Name string

	mu      sync.Mutex
	playing bool
}

var _ core.Indicator = (*LogIndicator)(nil)

func (i *LogIndicator) Start() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.playing {
		return
	}
	i.playing = true
	log.Info().Str("module", "adapters.media").Str("indicator", i.Name).Msg("start")
}

func (i *LogIndicator) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.playing {
		return
	}
	i.playing = false
	log.Info().Str("module", "adapters.media").Str("indicator", i.Name).Msg("stop")
}

func (i *LogIndicator) Playing() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.playing
}

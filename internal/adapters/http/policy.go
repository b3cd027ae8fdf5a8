package http

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropEvent
	KickSubscriber
)

// Policy decides what happens to a subscriber whose buffer is full.
type Policy interface {
	OnBackPressure(token string, dropped int) BackpressureAction
}

// SimplePolicy tolerates a few drops, then disconnects the subscriber.
type SimplePolicy struct {
	MaxDrops int
}

func (p SimplePolicy) OnBackPressure(_ string, dropped int) BackpressureAction {
	if dropped > p.MaxDrops {
		return KickSubscriber
	}
	return DropEvent
}

package replica

import "time"

// Clock abstracts the time source driving the countdown, allowing for testing.
type Clock interface {
	// Now returns the current local time.
	Now() time.Time

	// NewTicker returns a Ticker delivering ticks every d.
	NewTicker(d time.Duration) Ticker
}

// Ticker is an interface wrapper around time.Ticker for mocking.
type Ticker interface {
	// Chan returns the channel on which the ticks are delivered.
	Chan() <-chan time.Time

	// Stop turns off the ticker. It does not close the channel.
	Stop()
}

type standardClock struct{}

// NewStandardClock returns a Clock backed by the time package.
func NewStandardClock() Clock {
	return standardClock{}
}

func (standardClock) Now() time.Time { return time.Now() }

func (standardClock) NewTicker(d time.Duration) Ticker {
	return &standardTicker{ticker: time.NewTicker(d)}
}

type standardTicker struct {
	ticker *time.Ticker
}

func (st *standardTicker) Chan() <-chan time.Time { return st.ticker.C }

func (st *standardTicker) Stop() { st.ticker.Stop() }

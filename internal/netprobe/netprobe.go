// Package netprobe observes connectivity and link-quality signals and exposes
// a coarse speed classification used to adapt cache TTLs, batch sizes, and
// request timeouts.
package netprobe

import (
	"sync"
	"time"
)

// Speed is the coarse link-quality classification.
type Speed string

const (
	SpeedSlow   Speed = "slow"
	SpeedMedium Speed = "medium"
	SpeedFast   Speed = "fast"
)

// LinkQuality carries the raw link signals reported by the environment.
type LinkQuality struct {
	EffectiveType string        // "slow-2g", "2g", "3g", "4g"
	DownlinkMbps  float64       // estimated downstream bandwidth
	RTT           time.Duration // estimated round-trip time
	SaveData      bool          // user requested reduced data usage
}

// Profile is the derived, process-wide network profile. It is recomputed
// each time a connectivity or link-quality signal arrives.
type Profile struct {
	Online bool
	Speed  Speed
	LinkQuality
}

// Classify derives the coarse speed tier from raw link signals.
func Classify(q LinkQuality) Speed {
	if q.SaveData {
		return SpeedSlow
	}
	switch q.EffectiveType {
	case "slow-2g", "2g":
		return SpeedSlow
	case "3g":
		return SpeedMedium
	}
	if q.RTT > 600*time.Millisecond || (q.DownlinkMbps > 0 && q.DownlinkMbps < 0.5) {
		return SpeedSlow
	}
	if q.RTT > 300*time.Millisecond || (q.DownlinkMbps > 0 && q.DownlinkMbps < 2) {
		return SpeedMedium
	}
	return SpeedFast
}

// EventSource supplies environment signals to the probe and the background
// sync driver. Implementations are injected so tests can drive connectivity,
// visibility, and focus transitions deterministically.
type EventSource interface {
	// Connectivity delivers online/offline transitions.
	Connectivity() <-chan bool
	// LinkQuality delivers raw link-quality updates.
	LinkQuality() <-chan LinkQuality
	// Visibility delivers true when the app becomes visible again.
	Visibility() <-chan bool
	// Focus delivers true when the app window regains focus.
	Focus() <-chan bool
}

// Probe tracks the current network profile and notifies subscribers on change.
type Probe struct {
	mu      sync.RWMutex
	profile Profile
	subs    []func(Profile)
	src     EventSource
	stopCh  chan struct{}
	stopped sync.Once
}

// New creates a Probe reading from the given event source. The probe starts
// optimistic: online at fast speed until signals say otherwise.
func New(src EventSource) *Probe {
	return &Probe{
		profile: Profile{Online: true, Speed: SpeedFast},
		src:     src,
		stopCh:  make(chan struct{}),
	}
}

// Start begins consuming environment signals. Returns immediately.
func (p *Probe) Start() {
	go p.run()
}

// Stop stops signal consumption. Safe to call multiple times.
func (p *Probe) Stop() {
	p.stopped.Do(func() { close(p.stopCh) })
}

func (p *Probe) run() {
	for {
		select {
		case <-p.stopCh:
			return
		case online, ok := <-p.src.Connectivity():
			if !ok {
				return
			}
			p.setOnline(online)
		case q, ok := <-p.src.LinkQuality():
			if !ok {
				return
			}
			p.setLinkQuality(q)
		}
	}
}

// Profile returns a copy of the current network profile.
func (p *Probe) Profile() Profile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.profile
}

// Online reports whether the device currently has connectivity.
func (p *Probe) Online() bool {
	return p.Profile().Online
}

// Speed returns the current coarse speed classification.
func (p *Probe) Speed() Speed {
	return p.Profile().Speed
}

// Subscribe registers a callback invoked whenever the profile changes.
func (p *Probe) Subscribe(fn func(Profile)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, fn)
}

func (p *Probe) setOnline(online bool) {
	p.mu.Lock()
	changed := p.profile.Online != online
	p.profile.Online = online
	profile := p.profile
	subs := p.subs
	p.mu.Unlock()

	if changed {
		for _, fn := range subs {
			fn(profile)
		}
	}
}

func (p *Probe) setLinkQuality(q LinkQuality) {
	p.mu.Lock()
	p.profile.LinkQuality = q
	p.profile.Speed = Classify(q)
	profile := p.profile
	subs := p.subs
	p.mu.Unlock()

	for _, fn := range subs {
		fn(profile)
	}
}

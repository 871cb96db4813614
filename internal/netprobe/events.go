package netprobe

// ChanSource is an EventSource backed by plain channels. The production
// assembly feeds it from platform hooks; tests feed it directly.
type ChanSource struct {
	ConnectivityCh chan bool
	LinkQualityCh  chan LinkQuality
	VisibilityCh   chan bool
	FocusCh        chan bool
}

// NewChanSource creates a ChanSource with buffered channels so signal
// producers never block.
func NewChanSource() *ChanSource {
	return &ChanSource{
		ConnectivityCh: make(chan bool, 8),
		LinkQualityCh:  make(chan LinkQuality, 8),
		VisibilityCh:   make(chan bool, 8),
		FocusCh:        make(chan bool, 8),
	}
}

// Connectivity implements EventSource.
func (s *ChanSource) Connectivity() <-chan bool { return s.ConnectivityCh }

// LinkQuality implements EventSource.
func (s *ChanSource) LinkQuality() <-chan LinkQuality { return s.LinkQualityCh }

// Visibility implements EventSource.
func (s *ChanSource) Visibility() <-chan bool { return s.VisibilityCh }

// Focus implements EventSource.
func (s *ChanSource) Focus() <-chan bool { return s.FocusCh }

// Verify interface compliance at compile time
var _ EventSource = (*ChanSource)(nil)

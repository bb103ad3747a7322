package playback

import (
	"sync"
	"time"

	"github.com/loqalabs/visionvoice/internal/pcm"
)

// Output is an audio device with its own playback timeline.
//
// Play must return immediately; onDone is invoked from a goroutine owned by
// the output once the chunk has finished playing naturally, and never after
// the returned Voice has been stopped.
type Output interface {
	Now() time.Duration
	Play(chunk pcm.Chunk, at time.Duration, onDone func()) (Voice, error)
	Start() error
	Close() error
}

// Voice is one scheduled chunk on an Output. Stop is idempotent.
type Voice interface {
	Stop()
}

// Flusher is implemented by outputs that buffer audio past the point where a
// Voice can be stopped.
type Flusher interface {
	Flush() error
}

// MockOutput follows the wall clock without producing sound.
type MockOutput struct {
	mu     sync.Mutex
	origin time.Time
}

func NewMockOutput() *MockOutput {
	return &MockOutput{origin: time.Now()}
}

func (m *MockOutput) Start() error { return nil }

func (m *MockOutput) Close() error { return nil }

func (m *MockOutput) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.origin)
}

func (m *MockOutput) Play(chunk pcm.Chunk, at time.Duration, onDone func()) (Voice, error) {
	v := newTimedVoice()
	wait := at + chunk.Duration - m.Now()
	go v.run(wait, nil, onDone)
	return v, nil
}

// timedVoice waits out its playback window on a timer.
type timedVoice struct {
	stop chan struct{}
	once sync.Once
}

func newTimedVoice() *timedVoice {
	return &timedVoice{stop: make(chan struct{})}
}

func (v *timedVoice) Stop() {
	v.once.Do(func() { close(v.stop) })
}

// run sleeps for wait, calling atStart first when non-nil and after
// startDelay has elapsed, then fires onDone unless stopped.
func (v *timedVoice) run(wait time.Duration, atStart *startHook, onDone func()) {
	if atStart != nil {
		if !v.sleep(atStart.delay) {
			return
		}
		atStart.fn()
		wait -= atStart.delay
	}
	if !v.sleep(wait) {
		return
	}
	select {
	case <-v.stop:
		return
	default:
	}
	if onDone != nil {
		onDone()
	}
}

type startHook struct {
	delay time.Duration
	fn    func()
}

func (v *timedVoice) sleep(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-v.stop:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-v.stop:
		return false
	case <-timer.C:
		return true
	}
}

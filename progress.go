package dcmnet

import (
	"sync"
	"sync/atomic"

	"github.com/openradx/dcmnet/dimse"
)

// DicomState is a point-in-time snapshot of a multi-object transfer,
// delivered to progress listeners.
type DicomState struct {
	Remaining int
	Completed int
	Failed    int
	Warning   int
	BytesSent int64

	// Current names the object just processed: a file path on the
	// sending side, a SOP instance UID on the receiving side.
	Current string

	// Status is the DIMSE status that triggered this notification.
	Status dimse.Status
}

// DicomProgress tracks the advancement of a C-STORE batch or the
// suboperations of a C-GET/C-MOVE. All counter updates are atomic; the
// struct may be read while an operation is running.
//
// Remaining always equals total - (completed + failed + warning) when the
// counters come from a peer's suboperation fields.
type DicomProgress struct {
	remaining int32
	completed int32
	failed    int32
	warning   int32
	bytesSent int64
	cancelled int32

	mu        sync.Mutex
	current   string
	listeners []func(DicomState)
	cancelCh  chan struct{} // created lazily by Done; closed by Cancel
}

func (p *DicomProgress) Remaining() int { return int(atomic.LoadInt32(&p.remaining)) }
func (p *DicomProgress) Completed() int { return int(atomic.LoadInt32(&p.completed)) }
func (p *DicomProgress) Failed() int    { return int(atomic.LoadInt32(&p.failed)) }
func (p *DicomProgress) Warning() int   { return int(atomic.LoadInt32(&p.warning)) }
func (p *DicomProgress) BytesSent() int64 {
	return atomic.LoadInt64(&p.bytesSent)
}

// Cancel requests that the operation stop after the in-progress object.
func (p *DicomProgress) Cancel() {
	p.mu.Lock()
	if atomic.CompareAndSwapInt32(&p.cancelled, 0, 1) && p.cancelCh != nil {
		close(p.cancelCh)
	}
	p.mu.Unlock()
}

// Cancelled reports whether Cancel was called.
func (p *DicomProgress) Cancelled() bool {
	return atomic.LoadInt32(&p.cancelled) != 0
}

// Done returns a channel that is closed once Cancel is called, for callers
// that block in a select rather than polling Cancelled.
func (p *DicomProgress) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelCh == nil {
		p.cancelCh = make(chan struct{})
		if atomic.LoadInt32(&p.cancelled) != 0 {
			close(p.cancelCh)
		}
	}
	return p.cancelCh
}

// SetTotal initializes the remaining counter for a batch whose size is known
// up front, e.g. a file list on the sending side.
func (p *DicomProgress) SetTotal(n int) {
	atomic.StoreInt32(&p.remaining, int32(n))
}

// AddListener registers a callback invoked synchronously after each counter
// update. The callback must not block.
func (p *DicomProgress) AddListener(f func(DicomState)) {
	p.mu.Lock()
	p.listeners = append(p.listeners, f)
	p.mu.Unlock()
}

func (p *DicomProgress) snapshot(status dimse.Status) DicomState {
	p.mu.Lock()
	current := p.current
	p.mu.Unlock()
	return DicomState{
		Remaining: p.Remaining(),
		Completed: p.Completed(),
		Failed:    p.Failed(),
		Warning:   p.Warning(),
		BytesSent: p.BytesSent(),
		Current:   current,
		Status:    status,
	}
}

func (p *DicomProgress) notify(status dimse.Status) {
	p.mu.Lock()
	listeners := p.listeners
	p.mu.Unlock()
	if len(listeners) == 0 {
		return
	}
	state := p.snapshot(status)
	for _, f := range listeners {
		f(state)
	}
}

// Record notes the outcome of one object and notifies listeners. code
// classifies the outcome the same way C-STORE responses do.
func (p *DicomProgress) Record(current string, bytes int64, code dimse.StatusCode) {
	p.mu.Lock()
	p.current = current
	p.mu.Unlock()
	switch {
	case code == dimse.StatusSuccess:
		atomic.AddInt32(&p.completed, 1)
	case IsWarningStatus(code):
		atomic.AddInt32(&p.warning, 1)
	default:
		atomic.AddInt32(&p.failed, 1)
	}
	if atomic.LoadInt32(&p.remaining) > 0 {
		atomic.AddInt32(&p.remaining, -1)
	}
	atomic.AddInt64(&p.bytesSent, bytes)
	p.notify(dimse.Status{Status: code})
}

// updateFromSuboperations lifts the suboperation counters of a C-GET or
// C-MOVE response into the progress object and notifies listeners.
func (p *DicomProgress) updateFromSuboperations(
	remaining, completed, failed, warning uint16, status dimse.Status) {
	atomic.StoreInt32(&p.remaining, int32(remaining))
	atomic.StoreInt32(&p.completed, int32(completed))
	atomic.StoreInt32(&p.failed, int32(failed))
	atomic.StoreInt32(&p.warning, int32(warning))
	p.notify(status)
}

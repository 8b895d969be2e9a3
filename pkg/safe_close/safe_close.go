package safe_close

import "sync"

// SafeClose coordinates the service goroutines of one process so that
// CloseWait returns only after every Attach-ed goroutine exited.
//
// Goroutines are started through Attach and must return once the
// close signal fires. Any of them can shut the whole service down by
// calling SendCloseSignal, typically with the fatal error that made
// it quit.
type SafeClose struct {
	m           sync.Mutex
	wg          sync.WaitGroup
	closeSignal chan struct{}
	closeErr    error
}

func NewSafeClose() *SafeClose {
	return &SafeClose{
		closeSignal: make(chan struct{}),
	}
}

// Attach starts f in its own goroutine. f must return when
// closeSignal fires and call done before returning. If the service
// was already closed, f never runs.
func (s *SafeClose) Attach(f func(done func(), closeSignal <-chan struct{})) {
	s.m.Lock()
	select {
	case <-s.closeSignal:
		s.m.Unlock()
		return
	default:
		s.wg.Add(1)
	}
	s.m.Unlock()

	go func() {
		f(s.wg.Done, s.closeSignal)
	}()
}

// SendCloseSignal closes the service. The first non-nil err wins and
// is reported by Err. Safe to call multiple times.
func (s *SafeClose) SendCloseSignal(err error) {
	s.m.Lock()
	defer s.m.Unlock()

	select {
	case <-s.closeSignal:
	default:
		s.closeErr = err
		close(s.closeSignal)
	}
}

// ReceiveCloseSignal returns the channel that fires on close.
func (s *SafeClose) ReceiveCloseSignal() <-chan struct{} {
	return s.closeSignal
}

// CloseWait sends a close signal and blocks until every attached
// goroutine finished. Must not be called from an attached goroutine.
func (s *SafeClose) CloseWait() {
	s.SendCloseSignal(nil)
	s.wg.Wait()
}

// Err returns the error passed to the first effective SendCloseSignal.
func (s *SafeClose) Err() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closeErr
}

package downloader

import (
	"context"
	"errors"
	"sync"

	"media-stream/internal/domain"
	"media-stream/internal/torrent"
)

// step is one scripted answer to Handle.Status.
type step struct {
	status torrent.Status
	err    error
}

type fakeHandle struct {
	mu         sync.Mutex
	hash       string
	steps      []step
	calls      int
	upKBps     int
	downKBps   int
	sequential bool
	flushes    int
	resumes    int

	// after runs once the step at afterIndex has been handed out.
	after      func()
	afterIndex int
}

func (h *fakeHandle) InfoHash() string { return h.hash }

func (h *fakeHandle) Status() (torrent.Status, error) {
	h.mu.Lock()
	i := min(h.calls, len(h.steps)-1)
	h.calls++
	s := h.steps[i]
	after := h.after
	if i != h.afterIndex {
		after = nil
	}
	h.mu.Unlock()
	if after != nil {
		after()
	}
	return s.status, s.err
}

func (h *fakeHandle) SetRateLimits(up, down int) {
	h.mu.Lock()
	h.upKBps, h.downKBps = up, down
	h.mu.Unlock()
}

func (h *fakeHandle) SetSequential(enabled bool) {
	h.mu.Lock()
	h.sequential = enabled
	h.mu.Unlock()
}

func (h *fakeHandle) SaveResumeData() error {
	h.mu.Lock()
	h.resumes++
	h.mu.Unlock()
	return errors.New("not yet")
}

func (h *fakeHandle) FlushCache() error {
	h.mu.Lock()
	h.flushes++
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) statusCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type fakeSession struct {
	mu       sync.Mutex
	dataDir  string
	handle   *fakeHandle
	addErr   error
	added    []string
	removed  []torrent.Handle
	closed   int
	blockAdd bool
}

func (s *fakeSession) AddTorrentFile(ctx context.Context, path string) (torrent.Handle, error) {
	return s.add(ctx, "file:"+path)
}

func (s *fakeSession) AddMagnet(ctx context.Context, uri string) (torrent.Handle, error) {
	return s.add(ctx, "magnet:"+uri)
}

func (s *fakeSession) add(ctx context.Context, what string) (torrent.Handle, error) {
	s.mu.Lock()
	s.added = append(s.added, what)
	block, err := s.blockAdd, s.addErr
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return s.handle, nil
}

func (s *fakeSession) Remove(h torrent.Handle) error {
	s.mu.Lock()
	s.removed = append(s.removed, h)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) removedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.removed)
}

func (s *fakeSession) closedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeFactory hands out sessions built by newSession, one per call.
type fakeFactory struct {
	mu         sync.Mutex
	newSession func(dataDir string) *fakeSession
	sessions   []*fakeSession
	err        error
}

func (f *fakeFactory) NewSession(dataDir string) (torrent.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := f.newSession(dataDir)
	s.dataDir = dataDir
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) last() *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

// recorder captures everything a Download publishes, in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
	prog  []float64
	bw    []domain.BandwidthSample
	seeds []int
	peers []int
}

func (r *recorder) note(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) progress() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.prog...)
}

func (r *recorder) bandwidth() []domain.BandwidthSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.BandwidthSample(nil), r.bw...)
}

func (r *recorder) log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

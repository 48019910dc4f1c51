package torrent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	tlog "github.com/anacrolix/log"
	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"media-stream/internal/domain"
)

const (
	addTimeout = 10 * time.Second
	resumeDir  = ".resume"
	// minLimiterBurst keeps a whole 16 KiB chunk (plus headroom) inside one
	// token bucket fill; anacrolix waits for a chunk's worth of tokens at once.
	minLimiterBurst = 64 << 10
)

// AnacrolixFactory creates one anacrolix client per session.
type AnacrolixFactory struct {
	Trackers   []string
	Sequential SequentialConfig
	Logger     *logrus.Logger
}

func (f AnacrolixFactory) NewSession(dataDir string) (Session, error) {
	logger := f.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create save dir: %w", err)
	}

	s := &anacrolixSession{
		dataDir:    dataDir,
		trackers:   f.Trackers,
		sequential: f.Sequential.withDefaults(),
		upload:     rate.NewLimiter(rate.Inf, 0),
		download:   rate.NewLimiter(rate.Inf, 0),
		logger:     logger,
	}
	if len(s.trackers) == 0 {
		s.trackers = DefaultTrackers()
	}

	clientConfig := torrent.NewDefaultClientConfig()
	clientConfig.DataDir = dataDir
	clientConfig.ListenPort = 0
	clientConfig.Seed = false
	clientConfig.NoUpload = false
	clientConfig.UploadRateLimiter = s.upload
	clientConfig.DownloadRateLimiter = s.download

	tl := tlog.NewLogger()
	tl.SetHandlers(&logrusHandler{entry: logger.WithField("component", "anacrolix")})
	clientConfig.Logger = tl

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: create torrent client: %v", domain.ErrEngineUnavailable, err)
	}
	s.client = client
	logger.Debugf("torrent session opened, data dir: %s", dataDir)
	return s, nil
}

type anacrolixSession struct {
	client     *torrent.Client
	dataDir    string
	trackers   []string
	sequential SequentialConfig
	upload     *rate.Limiter
	download   *rate.Limiter
	logger     *logrus.Logger

	mu      sync.Mutex
	handles []*anacrolixHandle
	closed  bool
}

func (s *anacrolixSession) AddTorrentFile(ctx context.Context, path string) (Handle, error) {
	mi, err := metainfo.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTorrentFile, err)
	}
	if _, err := mi.UnmarshalInfo(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTorrentFile, err)
	}
	return s.add(ctx, func() (*torrent.Torrent, error) {
		return s.client.AddTorrent(mi)
	})
}

func (s *anacrolixSession) AddMagnet(ctx context.Context, uri string) (Handle, error) {
	if _, err := metainfo.ParseMagnetUri(uri); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidMagnet, err)
	}
	return s.add(ctx, func() (*torrent.Torrent, error) {
		t, err := s.client.AddMagnet(uri)
		if err != nil {
			return nil, err
		}
		for _, tracker := range s.trackers {
			t.AddTrackers([][]string{{tracker}})
		}
		return t, nil
	})
}

// add runs fn off the caller's goroutine: the anacrolix client can hold its
// lock for a while when busy and admission must stay cancellable.
func (s *anacrolixSession) add(ctx context.Context, fn func() (*torrent.Torrent, error)) (Handle, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: session closed", domain.ErrEngineUnavailable)
	}

	type addResult struct {
		t   *torrent.Torrent
		err error
	}
	ch := make(chan addResult, 1)
	go func() {
		t, err := fn()
		ch <- addResult{t, err}
	}()

	dropLate := func() {
		go func() {
			if res := <-ch; res.t != nil {
				res.t.Drop()
			}
		}()
	}

	var t *torrent.Torrent
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("add torrent: %w", res.err)
		}
		t = res.t
	case <-time.After(addTimeout):
		dropLate()
		return nil, fmt.Errorf("%w: torrent client busy", domain.ErrEngineUnavailable)
	case <-ctx.Done():
		dropLate()
		return nil, ctx.Err()
	}

	h := &anacrolixHandle{
		session:    s,
		t:          t,
		sequential: s.sequential,
		lastFirst:  -1,
		lastAt:     time.Now(),
	}
	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
	return h, nil
}

func (s *anacrolixSession) Remove(h Handle) error {
	ah, ok := h.(*anacrolixHandle)
	if !ok || ah.session != s {
		return fmt.Errorf("handle does not belong to this session")
	}

	s.mu.Lock()
	for i, candidate := range s.handles {
		if candidate == ah {
			s.handles = append(s.handles[:i], s.handles[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	ah.drop()
	return nil
}

func (s *anacrolixSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	handles := s.handles
	s.handles = nil
	s.mu.Unlock()

	for _, h := range handles {
		h.drop()
	}
	err := errors.Join(s.client.Close()...)
	s.logger.Debugf("torrent session closed, data dir: %s", s.dataDir)
	return err
}

func (s *anacrolixSession) setLimits(uploadKBps, downloadKBps int) {
	applyLimit(s.upload, uploadKBps)
	applyLimit(s.download, downloadKBps)
}

func applyLimit(l *rate.Limiter, kbps int) {
	if kbps <= 0 {
		l.SetLimit(rate.Inf)
		return
	}
	bps := kbps * 1024
	l.SetBurst(max(bps, minLimiterBurst))
	l.SetLimit(rate.Limit(bps))
}

type anacrolixHandle struct {
	session *anacrolixSession
	t       *torrent.Torrent

	mu          sync.Mutex
	sequential  SequentialConfig
	seqEnabled  bool
	downloading bool
	lastFirst   int
	lastRead    int64
	lastWritten int64
	lastAt      time.Time
	resumeSaved bool
	dropped     bool
}

func (h *anacrolixHandle) InfoHash() string {
	return h.t.InfoHash().HexString()
}

func (h *anacrolixHandle) hasInfo() bool {
	select {
	case <-h.t.GotInfo():
		return true
	default:
		return false
	}
}

func (h *anacrolixHandle) Status() (Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.dropped {
		return Status{}, fmt.Errorf("%w: torrent removed", domain.ErrEngineUnavailable)
	}
	select {
	case <-h.t.Closed():
		return Status{}, fmt.Errorf("%w: torrent closed", domain.ErrEngineUnavailable)
	default:
	}

	st := Status{
		SavePath: h.session.dataDir,
		Name:     h.t.Name(),
	}

	stats := h.t.Stats()
	now := time.Now()
	read := stats.BytesReadUsefulData.Int64()
	written := stats.BytesWrittenData.Int64()
	if elapsed := now.Sub(h.lastAt).Seconds(); elapsed > 0 {
		st.DownloadRate = int64(float64(read-h.lastRead) / elapsed)
		st.UploadRate = int64(float64(written-h.lastWritten) / elapsed)
	}
	h.lastRead, h.lastWritten, h.lastAt = read, written, now
	st.Seeds = stats.ConnectedSeeders
	st.Peers = stats.ActivePeers

	if !h.hasInfo() {
		return st, nil
	}

	if !h.downloading {
		h.t.DownloadAll()
		h.downloading = true
	}
	if h.seqEnabled {
		h.replanLocked()
	}

	if length := h.t.Length(); length > 0 {
		st.Progress = float64(h.t.BytesCompleted()) / float64(length)
	}
	st.Finished = h.t.BytesMissing() == 0
	return st, nil
}

// replanLocked moves the sequential priority window up to the first missing
// piece. The window only moves forward, so nothing is done while it stays put.
func (h *anacrolixHandle) replanLocked() {
	n := h.t.NumPieces()
	plan := PlanSequential(n, func(i int) bool {
		return h.t.Piece(i).State().Complete
	}, h.sequential)
	if len(plan) == 0 || plan[0].Begin == h.lastFirst {
		return
	}
	for _, r := range plan {
		for i := r.Begin; i < r.End; i++ {
			h.t.Piece(i).SetPriority(r.Priority)
		}
	}
	h.lastFirst = plan[0].Begin
}

func (h *anacrolixHandle) SetRateLimits(uploadKBps, downloadKBps int) {
	h.session.setLimits(uploadKBps, downloadKBps)
}

func (h *anacrolixHandle) SetSequential(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seqEnabled = enabled
	h.lastFirst = -1
	if enabled && h.hasInfo() {
		h.replanLocked()
	}
}

// SaveResumeData writes the torrent's metainfo next to the data once it is
// known, so a magnet can be re-admitted later without a metadata exchange.
func (h *anacrolixHandle) SaveResumeData() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resumeSaved || h.dropped || !h.hasInfo() {
		return nil
	}

	dir := filepath.Join(h.session.dataDir, resumeDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create resume dir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, h.t.InfoHash().HexString()+".torrent"))
	if err != nil {
		return fmt.Errorf("create resume file: %w", err)
	}
	mi := h.t.Metainfo()
	if err := mi.Write(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write resume file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close resume file: %w", err)
	}
	h.resumeSaved = true
	return nil
}

// FlushCache is a no-op: the default file storage writes pieces through.
func (h *anacrolixHandle) FlushCache() error {
	return nil
}

func (h *anacrolixHandle) drop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dropped {
		return
	}
	h.dropped = true
	h.t.Drop()
}

// DefaultTrackers are announced to for every magnet in addition to its own list.
func DefaultTrackers() []string {
	return []string{
		"udp://tracker.opentrackr.org:1337/announce",
		"udp://tracker.openbittorrent.com:6969/announce",
		"udp://open.stealth.si:80/announce",
		"udp://exodus.desync.com:6969/announce",
		"http://tracker.opentrackr.org:1337/announce",
		"http://tracker.openbittorrent.com:80/announce",
		"udp://tracker.torrent.eu.org:451/announce",
		"udp://tracker.moeking.me:6969/announce",
	}
}

var (
	_ Factory = AnacrolixFactory{}
	_ Session = (*anacrolixSession)(nil)
	_ Handle  = (*anacrolixHandle)(nil)
)

package downloader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"media-stream/internal/domain"
	"media-stream/internal/events"
	"media-stream/internal/service"
	"media-stream/internal/storage"
	"media-stream/internal/telemetry"
)

// Manager runs the downloads requested by players. A player has at most one
// active download: playing something new stops the previous one.
type Manager interface {
	Start(ctx context.Context) error
	Shutdown()
	Play(ctx context.Context, req PlayRequest) (*domain.Download, error)
	Stop(ctx context.Context, id int64) error
	Recover(ctx context.Context) error
	IsActive(id int64) bool
	ActiveCount() int
	// WhenIdle runs fn while no download is active, holding off new ones
	// until it returns. It fails with domain.ErrCacheInUse otherwise.
	WhenIdle(fn func() error) error
}

// PlayRequest asks for a media item to be downloaded for a player. Nil rate
// limits fall back to the configured defaults.
type PlayRequest struct {
	PlayerID          string
	MediaID           string
	Title             string
	Kind              domain.MediaKind
	Season            int
	Episode           int
	Source            domain.SourceKind
	SourceValue       string
	UploadLimitKBps   *int
	DownloadLimitKBps *int
}

type ManagerConfig struct {
	MaxConcurrent     int
	UploadLimitKBps   int
	DownloadLimitKBps int
	// Archive uploads finished downloads when a storage service is set.
	Archive       bool
	UploadOptions storage.UploadOptions
	Logger        *logrus.Logger
}

type manager struct {
	cfg       ManagerConfig
	orch      *Orchestrator
	downloads service.DownloadService
	bus       *events.Bus
	storage   storage.Service

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// playMu serializes Play so a player's stop-then-start is atomic.
	playMu  sync.Mutex
	mu      sync.Mutex
	active  map[int64]*jobHandle
	players map[string]int64
}

type jobHandle struct {
	playerID string
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewManager(cfg ManagerConfig, orch *Orchestrator, downloads service.DownloadService, bus *events.Bus, store storage.Service) Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &manager{
		cfg:       cfg,
		orch:      orch,
		downloads: downloads,
		bus:       bus,
		storage:   store,
		sem:       make(chan struct{}, cfg.MaxConcurrent),
		active:    make(map[int64]*jobHandle),
		players:   make(map[string]int64),
	}
}

func (m *manager) Start(ctx context.Context) error {
	if m.ctx != nil {
		return fmt.Errorf("download manager already started")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.cfg.Logger.Infof("download manager started, %d concurrent downloads", m.cfg.MaxConcurrent)
	return nil
}

func (m *manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.cfg.Logger.Info("download manager stopped")
}

// Recover ends the records a previous process left active. Their sessions
// died with that process.
func (m *manager) Recover(ctx context.Context) error {
	stale, err := m.downloads.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, d := range stale {
		if m.IsActive(d.ID) {
			continue
		}
		if err := m.downloads.MarkEnded(ctx, d.ID, domain.StateCancelled, errors.New("interrupted by restart")); err != nil {
			return err
		}
		m.cfg.Logger.WithField("download_id", d.ID).Infof("marked stale %s download cancelled", d.State)
	}
	return nil
}

func (m *manager) Play(ctx context.Context, req PlayRequest) (*domain.Download, error) {
	if m.ctx == nil {
		return nil, fmt.Errorf("download manager not started")
	}
	job, err := m.buildJob(req)
	if err != nil {
		return nil, err
	}

	m.playMu.Lock()
	defer m.playMu.Unlock()

	if prev, ok := m.playerDownload(req.PlayerID); ok {
		m.cfg.Logger.WithField("player_id", req.PlayerID).Infof("stopping download %d for new play request", prev)
		if err := m.Stop(ctx, prev); err != nil {
			return nil, fmt.Errorf("stop previous download: %w", err)
		}
	}

	d, err := m.downloads.CreateDownload(ctx, &domain.Download{
		PlayerID:      req.PlayerID,
		MediaID:       req.MediaID,
		Title:         req.Title,
		Kind:          req.Kind,
		Season:        req.Season,
		Episode:       req.Episode,
		Source:        req.Source,
		SourceValue:   req.SourceValue,
		UploadLimit:   job.UploadLimitKBps,
		DownloadLimit: job.DownloadLimitKBps,
	})
	if err != nil {
		return nil, err
	}
	job.ID = fmt.Sprintf("download-%d", d.ID)
	m.spawn(d.ID, req.PlayerID, job)
	return d, nil
}

func (m *manager) buildJob(req PlayRequest) (*domain.MediaJob, error) {
	if strings.TrimSpace(req.PlayerID) == "" {
		return nil, fmt.Errorf("%w: player id is required", domain.ErrInvalidJob)
	}
	var media *domain.Media
	switch req.Kind {
	case domain.MediaKindMovie:
		media = domain.NewMovie(req.MediaID, req.Title)
	case domain.MediaKindShow:
		media = domain.NewEpisode(req.MediaID, req.Title, req.Season, req.Episode)
	case domain.MediaKindUnknown:
		media = domain.NewDropped(req.Title)
	default:
		return nil, fmt.Errorf("%w: unknown media kind %q", domain.ErrInvalidJob, req.Kind)
	}

	job := &domain.MediaJob{
		Media:             media,
		Source:            req.Source,
		SourceValue:       strings.TrimSpace(req.SourceValue),
		UploadLimitKBps:   m.cfg.UploadLimitKBps,
		DownloadLimitKBps: m.cfg.DownloadLimitKBps,
	}
	if req.UploadLimitKBps != nil {
		job.UploadLimitKBps = *req.UploadLimitKBps
	}
	if req.DownloadLimitKBps != nil {
		job.DownloadLimitKBps = *req.DownloadLimitKBps
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}

func (m *manager) spawn(id int64, playerID string, job *domain.MediaJob) {
	jobCtx, cancel := context.WithCancel(m.ctx)
	handle := &jobHandle{
		playerID: playerID,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	m.register(id, handle)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			cancel()
			m.unregister(id)
			close(handle.done)
		}()
		select {
		case <-jobCtx.Done():
			m.finish(jobCtx, id, domain.StateCancelled, nil)
			return
		case m.sem <- struct{}{}:
			defer func() { <-m.sem }()
			m.run(jobCtx, id, job)
		}
	}()
}

func (m *manager) register(id int64, handle *jobHandle) {
	m.mu.Lock()
	m.active[id] = handle
	m.players[handle.playerID] = id
	m.mu.Unlock()
}

func (m *manager) unregister(id int64) {
	m.mu.Lock()
	if handle, ok := m.active[id]; ok {
		if m.players[handle.playerID] == id {
			delete(m.players, handle.playerID)
		}
		delete(m.active, id)
	}
	m.mu.Unlock()
}

func (m *manager) playerDownload(playerID string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.players[playerID]
	return id, ok
}

func (m *manager) IsActive(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}

func (m *manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *manager) WhenIdle(fn func() error) error {
	m.playMu.Lock()
	defer m.playMu.Unlock()
	if m.ActiveCount() > 0 {
		return domain.ErrCacheInUse
	}
	return fn()
}

// Stop cancels a download and waits for it to wind down. Stopping a download
// that is not running is a no-op.
func (m *manager) Stop(ctx context.Context, id int64) error {
	m.mu.Lock()
	handle, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	handle.cancel()
	select {
	case <-handle.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *manager) run(ctx context.Context, id int64, job *domain.MediaJob) {
	logger := m.cfg.Logger.WithField("download_id", id)
	// Records are written after cancellation too.
	store := context.WithoutCancel(ctx)

	tracker := &tickTracker{downloads: m.downloads, bus: m.bus, id: id, ctx: store, logger: logger}
	var (
		saveDir  string
		abortErr error
	)
	hooks := Hooks{
		Admitted: func(infoHash, dir string) {
			saveDir = dir
			if err := m.downloads.RecordAdmission(store, id, infoHash, dir); err != nil {
				logger.Warnf("record admission: %v", err)
			}
		},
		Buffered: func() {
			path := job.Media.FilePath()
			if err := m.downloads.MarkBuffered(store, id, torrentName(saveDir, path), path); err != nil {
				logger.Warnf("mark buffered: %v", err)
			}
			m.bus.Publish(id, events.TypeBuffered, fields{"file_path": path})
		},
		PlaybackStarted: func(feeds PlaybackFeeds) {
			m.wg.Add(2)
			go relayFeed(&m.wg, feeds.Progress, m.bus, id, events.TypePlaybackProgress)
			go relayFeed(&m.wg, feeds.Bandwidth, m.bus, id, events.TypePlaybackBandwidth)
		},
		Aborted: func(err error) {
			abortErr = err
		},
	}

	state, err := m.orch.Download(ctx, job, tracker.sinks(), hooks)
	switch state {
	case domain.StateFinished:
		m.archive(store, id, job, logger)
	case domain.StateAborted:
		err = abortErr
	}
	m.finish(store, id, state, err)
}

// finish records and announces a terminal state.
func (m *manager) finish(ctx context.Context, id int64, state domain.JobState, reason error) {
	logger := m.cfg.Logger.WithField("download_id", id)
	if err := m.downloads.MarkEnded(context.WithoutCancel(ctx), id, state, reason); err != nil {
		logger.Errorf("persist %s state: %v", state, err)
	}

	data := fields{"state": state}
	if reason != nil {
		data["error"] = reason.Error()
	}
	m.bus.Publish(id, terminalEvent(state), data)

	if reason != nil {
		logger.Warnf("download %s: %v", state, reason)
		return
	}
	logger.Infof("download %s", state)
}

func terminalEvent(state domain.JobState) events.Type {
	switch state {
	case domain.StateFinished:
		return events.TypeFinished
	case domain.StateAborted:
		return events.TypeAborted
	case domain.StateCancelled:
		return events.TypeCancelled
	}
	return events.TypeFailed
}

func (m *manager) archive(ctx context.Context, id int64, job *domain.MediaJob, logger *logrus.Entry) {
	if !m.cfg.Archive || m.storage == nil || m.cfg.UploadOptions.Bucket == "" {
		return
	}
	path := job.Media.FilePath()
	if path == "" {
		return
	}

	opts := m.cfg.UploadOptions
	downloadPrefix := fmt.Sprintf("download-%d", id)
	if prefix := strings.Trim(opts.KeyPrefix, "/"); prefix != "" {
		opts.KeyPrefix = prefix + "/" + downloadPrefix
	} else {
		opts.KeyPrefix = downloadPrefix
	}
	opts.ProgressCallback = newUploadProgressLogger(logger)

	logger.Infof("archiving %s", path)
	location, err := m.storage.Upload(ctx, path, opts)
	if err != nil {
		logger.Errorf("archive: %v", err)
		return
	}
	if err := m.downloads.SetArchiveLocation(ctx, id, location); err != nil {
		logger.Errorf("record archive location: %v", err)
		return
	}
	logger.Infof("archived to %s", location)
}

// torrentName is the first path element of the playable file below the save
// directory: the torrent's file or top-level directory.
func torrentName(saveDir, filePath string) string {
	rel, err := filepath.Rel(saveDir, filePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.Base(filePath)
	}
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return first
}

func relayFeed[T any](wg *sync.WaitGroup, feed *telemetry.Feed[T], bus *events.Bus, id int64, typ events.Type) {
	defer wg.Done()
	ch, unsubscribe := feed.Subscribe()
	defer unsubscribe()
	for v := range ch {
		bus.Publish(id, typ, v)
	}
}

// tickTracker persists and publishes the telemetry of one download. Values
// arrive in tick order, so the peer count closes a tick.
type tickTracker struct {
	downloads service.DownloadService
	bus       *events.Bus
	id        int64
	ctx       context.Context
	logger    *logrus.Entry

	current domain.Telemetry
}

func (t *tickTracker) sinks() telemetry.Sinks {
	return telemetry.Sinks{
		Progress: telemetry.SinkFunc[float64](func(v float64) {
			t.current.Progress = v
			t.bus.Publish(t.id, events.TypeProgress, v)
		}),
		Bandwidth: telemetry.SinkFunc[domain.BandwidthSample](func(v domain.BandwidthSample) {
			t.current.Bandwidth = v
			t.bus.Publish(t.id, events.TypeBandwidth, v)
		}),
		Seeds: telemetry.SinkFunc[int](func(v int) {
			t.current.Seeds = v
			t.bus.Publish(t.id, events.TypeSeeds, v)
		}),
		Peers: telemetry.SinkFunc[int](func(v int) {
			t.current.Peers = v
			t.bus.Publish(t.id, events.TypePeers, v)
			if err := t.downloads.RecordTelemetry(t.ctx, t.id, t.current); err != nil {
				t.logger.Debugf("record telemetry: %v", err)
			}
		}),
	}
}

func newUploadProgressLogger(logger *logrus.Entry) func(done, total int64) {
	var lastLog time.Time
	return func(done, total int64) {
		now := time.Now()
		if now.Sub(lastLog) < 500*time.Millisecond && done != total {
			return
		}
		lastLog = now
		if total == 0 {
			logger.Infof("archive progress: %s uploaded", humanize.IBytes(uint64(done)))
			return
		}
		percent := float64(done) / float64(total) * 100
		logger.Infof("archive progress: %.1f%% (%s/%s)", percent, humanize.IBytes(uint64(done)), humanize.IBytes(uint64(total)))
	}
}

type fields = map[string]any

var _ Manager = (*manager)(nil)

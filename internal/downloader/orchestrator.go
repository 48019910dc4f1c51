package downloader

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"media-stream/internal/buffering"
	"media-stream/internal/domain"
	"media-stream/internal/metrics"
	"media-stream/internal/telemetry"
	"media-stream/internal/torrent"
)

const (
	defaultPollInterval    = time.Second
	defaultMaxTickFailures = 5
	defaultResumeEvery     = 5
)

// SaveDirs resolves where a kind of media is downloaded to.
type SaveDirs interface {
	SaveDir(kind domain.MediaKind) (string, error)
}

// OrchestratorConfig wires the orchestrator to its collaborators.
type OrchestratorConfig struct {
	Sessions torrent.Factory
	SaveDirs SaveDirs
	Policy   buffering.Policy
	FS       afero.Fs

	PollInterval time.Duration
	// MaxTickFailures consecutive failed status queries fail the job.
	MaxTickFailures int
	// ResumeEvery is the number of ticks between cache flush / resume data hints.
	ResumeEvery int

	Metrics *metrics.Metrics
	Logger  *logrus.Logger
}

// PlaybackFeeds carry telemetry scoped to the playback that began at the
// buffered transition.
type PlaybackFeeds struct {
	Progress  *telemetry.Feed[float64]
	Bandwidth *telemetry.Feed[domain.BandwidthSample]
}

// Hooks are the continuations of a download. Each fires at most once and
// any of them may be nil.
type Hooks struct {
	// Admitted fires once the torrent is in the session and polling starts.
	Admitted func(infoHash, saveDir string)
	// Buffered fires when the threshold is crossed and the playable file is
	// known; job.Media.FilePath() is set by then.
	Buffered func()
	// PlaybackStarted receives the feeds right after Buffered. They are closed
	// when Download returns.
	PlaybackStarted func(PlaybackFeeds)
	// Aborted reports that the torrent holds no playable file. The error is
	// domain.ErrNoMediaInTorrent or domain.ErrNoMediaInDroppedTorrent.
	Aborted   func(err error)
	Cancelled func()
}

// Orchestrator runs progressive torrent downloads: it admits the torrent in
// sequential mode, polls it, publishes telemetry and tells the caller when
// playback can start.
type Orchestrator struct {
	cfg OrchestratorConfig
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxTickFailures <= 0 {
		cfg.MaxTickFailures = defaultMaxTickFailures
	}
	if cfg.ResumeEvery <= 0 {
		cfg.ResumeEvery = defaultResumeEvery
	}
	if cfg.Policy == (buffering.Policy{}) {
		cfg.Policy = buffering.Default()
	}
	if cfg.FS == nil {
		cfg.FS = afero.NewOsFs()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Orchestrator{cfg: cfg}
}

// Download runs job until the torrent finishes, turns out to hold no
// playable file, fails persistently, or ctx is cancelled. Admission errors
// are returned; the other outcomes are reported through the returned state
// and hooks. The torrent session never outlives the call.
func (o *Orchestrator) Download(ctx context.Context, job *domain.MediaJob, sinks telemetry.Sinks, hooks Hooks) (state domain.JobState, err error) {
	if err := job.Validate(); err != nil {
		return domain.StateFailed, err
	}

	logger := o.cfg.Logger.WithFields(logrus.Fields{
		"job_id": job.ID,
		"kind":   job.Media.Kind,
	})
	sinks = sinks.OrDiscard()
	sinks.Reset()

	o.cfg.Metrics.JobStarted()
	defer func() { o.cfg.Metrics.JobEnded(state) }()

	saveDir, err := o.cfg.SaveDirs.SaveDir(job.Media.Kind)
	if err != nil {
		return domain.StateFailed, fmt.Errorf("resolve save dir: %w", err)
	}

	session, err := o.cfg.Sessions.NewSession(saveDir)
	if err != nil {
		return domain.StateFailed, fmt.Errorf("open torrent session: %w", err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			logger.Warnf("close torrent session: %v", cerr)
		}
	}()

	handle, err := admit(ctx, session, job)
	if err != nil {
		logger.Warnf("admission failed: %v", err)
		return domain.StateFailed, err
	}
	handle.SetRateLimits(job.UploadLimitKBps, job.DownloadLimitKBps)
	handle.SetSequential(true)
	logger.Infof("torrent %s admitted to %s", handle.InfoHash(), saveDir)

	r := &jobRun{
		cfg:     o.cfg,
		job:     job,
		session: session,
		handle:  handle,
		sinks:   sinks,
		hooks:   hooks,
		logger:  logger,
		state:   domain.StatePolling,
		started: time.Now(),
	}
	defer r.closeFeeds()
	if hooks.Admitted != nil {
		hooks.Admitted(handle.InfoHash(), saveDir)
	}
	return r.loop(ctx)
}

func admit(ctx context.Context, session torrent.Session, job *domain.MediaJob) (torrent.Handle, error) {
	switch job.Source {
	case domain.SourceFile:
		return session.AddTorrentFile(ctx, job.SourceValue)
	case domain.SourceMagnet:
		return session.AddMagnet(ctx, job.SourceValue)
	}
	return nil, fmt.Errorf("%w: unknown torrent source %q", domain.ErrInvalidJob, job.Source)
}

// jobRun is the polling state of one Download call. It is confined to the
// goroutine running Download.
type jobRun struct {
	cfg     OrchestratorConfig
	job     *domain.MediaJob
	session torrent.Session
	handle  torrent.Handle
	sinks   telemetry.Sinks
	hooks   Hooks
	logger  *logrus.Entry

	state    domain.JobState
	started  time.Time
	ticks    int
	failures int
	removed  bool
	playback *PlaybackFeeds
}

func (r *jobRun) loop(ctx context.Context) (domain.JobState, error) {
	for {
		if ctx.Err() != nil {
			return r.cancel(), nil
		}

		next, err := r.tick()
		if next.Terminal() {
			return next, err
		}
		r.state = next

		if !r.sleep(ctx) {
			return r.cancel(), nil
		}
	}
}

func (r *jobRun) tick() (domain.JobState, error) {
	st, err := r.handle.Status()
	if err != nil {
		r.failures++
		r.cfg.Metrics.TickFailed()
		if r.failures >= r.cfg.MaxTickFailures {
			r.logger.Errorf("status query failed %d times in a row, giving up: %v", r.failures, err)
			r.remove()
			return domain.StateFailed, fmt.Errorf("%w: %d consecutive status failures: %v", domain.ErrEngineUnavailable, r.failures, err)
		}
		r.logger.Warnf("status query failed (%d/%d), skipping tick: %v", r.failures, r.cfg.MaxTickFailures, err)
		return r.state, nil
	}
	r.failures = 0
	r.ticks++

	percent := math.Min(math.Max(st.Progress*100, 0), 100)
	bandwidth := domain.BandwidthSample{
		DownloadKBps: toKBps(st.DownloadRate),
		UploadKBps:   toKBps(st.UploadRate),
	}
	r.publish(percent, bandwidth, st.Seeds, st.Peers)

	if r.ticks%r.cfg.ResumeEvery == 0 {
		r.saveHint()
	}

	if r.playback == nil && r.cfg.Policy.Reached(r.job.Media.Kind, percent) {
		if !r.startPlayback(st, percent, bandwidth) {
			return domain.StateAborted, nil
		}
	}

	if st.Finished {
		r.remove()
		r.sinks.Bandwidth.Report(domain.BandwidthSample{})
		if r.playback != nil {
			r.playback.Bandwidth.Report(domain.BandwidthSample{})
		}
		r.logger.Info("download finished")
		return domain.StateFinished, nil
	}
	return r.state, nil
}

func (r *jobRun) publish(percent float64, bandwidth domain.BandwidthSample, seeds, peers int) {
	r.sinks.Progress.Report(percent)
	r.sinks.Bandwidth.Report(bandwidth)
	if r.playback != nil {
		r.playback.Progress.Report(percent)
		r.playback.Bandwidth.Report(bandwidth)
	}
	r.sinks.Seeds.Report(seeds)
	r.sinks.Peers.Report(peers)
}

// startPlayback handles the buffered transition. It returns false when the
// torrent holds no playable file, after removing it and reporting the abort.
func (r *jobRun) startPlayback(st torrent.Status, percent float64, bandwidth domain.BandwidthSample) bool {
	path, err := FindPlayable(r.cfg.FS, st.SavePath, st.Name)
	if err != nil {
		r.logger.Warnf("search %s for playable file: %v", st.SavePath, err)
	}
	if path == "" {
		abortErr := domain.ErrNoMediaInTorrent
		if r.job.Media.Kind == domain.MediaKindUnknown {
			abortErr = domain.ErrNoMediaInDroppedTorrent
		}
		r.logger.Warnf("buffered %.1f%% of %q but found no playable file", percent, st.Name)
		r.remove()
		if r.hooks.Aborted != nil {
			r.hooks.Aborted(abortErr)
		}
		return false
	}

	r.job.Media.SetFilePath(path)
	r.state = domain.StateBuffered
	r.cfg.Metrics.Buffered(r.job.Media.Kind, time.Since(r.started))
	r.logger.Infof("buffered %.1f%%, playing %s", percent, path)
	if r.hooks.Buffered != nil {
		r.hooks.Buffered()
	}

	r.playback = &PlaybackFeeds{
		Progress:  telemetry.NewFeed[float64](),
		Bandwidth: telemetry.NewFeed[domain.BandwidthSample](),
	}
	r.playback.Progress.Report(percent)
	r.playback.Bandwidth.Report(bandwidth)
	if r.hooks.PlaybackStarted != nil {
		r.hooks.PlaybackStarted(*r.playback)
	}
	return true
}

func (r *jobRun) saveHint() {
	if err := r.handle.FlushCache(); err != nil {
		r.logger.Debugf("flush cache: %v", err)
	}
	if err := r.handle.SaveResumeData(); err != nil {
		r.logger.Debugf("save resume data: %v", err)
	}
}

func (r *jobRun) sleep(ctx context.Context) bool {
	timer := time.NewTimer(r.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (r *jobRun) cancel() domain.JobState {
	r.logger.Info("download cancelled")
	r.remove()
	if r.hooks.Cancelled != nil {
		r.hooks.Cancelled()
	}
	return domain.StateCancelled
}

func (r *jobRun) remove() {
	if r.removed {
		return
	}
	r.removed = true
	if err := r.session.Remove(r.handle); err != nil {
		r.logger.Warnf("remove torrent: %v", err)
	}
}

func (r *jobRun) closeFeeds() {
	if r.playback == nil {
		return
	}
	r.playback.Progress.Close()
	r.playback.Bandwidth.Close()
}

func toKBps(bytesPerSec int64) float64 {
	return math.Round(float64(bytesPerSec) / 1024)
}

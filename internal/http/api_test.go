package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-stream/internal/cache"
	"media-stream/internal/domain"
	"media-stream/internal/downloader"
	"media-stream/internal/events"
	"media-stream/internal/metrics"
	"media-stream/internal/repository/sqlite"
	"media-stream/internal/service"
	"media-stream/internal/storage"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeManager struct {
	downloads service.DownloadService

	mu      sync.Mutex
	plays   []downloader.PlayRequest
	stopped []int64
	active  map[int64]bool
	playErr error
	stopErr error
	// onIsActive runs before IsActive answers.
	onIsActive func(id int64)
}

func (m *fakeManager) Start(context.Context) error   { return nil }
func (m *fakeManager) Shutdown()                     {}
func (m *fakeManager) Recover(context.Context) error { return nil }

func (m *fakeManager) Play(ctx context.Context, req downloader.PlayRequest) (*domain.Download, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.playErr != nil {
		return nil, m.playErr
	}
	m.plays = append(m.plays, req)
	d, err := m.downloads.CreateDownload(ctx, &domain.Download{
		PlayerID:    req.PlayerID,
		MediaID:     req.MediaID,
		Title:       req.Title,
		Kind:        req.Kind,
		Source:      req.Source,
		SourceValue: req.SourceValue,
	})
	if err != nil {
		return nil, err
	}
	m.active[d.ID] = true
	return d, nil
}

func (m *fakeManager) Stop(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, id)
	if m.stopErr != nil {
		return m.stopErr
	}
	delete(m.active, id)
	return nil
}

func (m *fakeManager) IsActive(id int64) bool {
	if m.onIsActive != nil {
		m.onIsActive(id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id]
}

func (m *fakeManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *fakeManager) WhenIdle(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.active) > 0 {
		return domain.ErrCacheInUse
	}
	return fn()
}

type fakeStorage struct {
	mu       sync.Mutex
	deleted  []string
	objects  []storage.ObjectInfo
	prefixes []string
}

func (s *fakeStorage) Upload(context.Context, string, storage.UploadOptions) (string, error) {
	return "", nil
}

func (s *fakeStorage) ListObjects(_ context.Context, _, prefix string) ([]storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefixes = append(s.prefixes, prefix)
	return s.objects, nil
}

func (s *fakeStorage) DeletePrefix(_ context.Context, _, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, prefix)
	return nil
}

func (s *fakeStorage) GetObjectURL(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	return "https://" + bucket + ".example/" + key + "?signed", nil
}

type apiHarness struct {
	router    *gin.Engine
	fs        afero.Fs
	downloads service.DownloadService
	users     service.UserService
	manager   *fakeManager
	store     *fakeStorage
	bus       *events.Bus
}

func newAPIHarness(t *testing.T, withStorage bool) *apiHarness {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	downloadRepo := sqlite.NewDownloadRepository(db)
	require.NoError(t, downloadRepo.Init(ctx))
	userRepo := sqlite.NewUserRepository(db)
	require.NoError(t, userRepo.Init(ctx))

	logger, _ := test.NewNullLogger()
	fs := afero.NewMemMapFs()
	downloads := service.NewDownloadService(downloadRepo)
	users := service.NewUserService(userRepo, "letmein", service.TokenConfig{Secret: "jwt-secret"})
	registry := prometheus.NewRegistry()
	metrics.New(registry).JobStarted()

	h := &apiHarness{
		fs:        fs,
		downloads: downloads,
		users:     users,
		manager:   &fakeManager{downloads: downloads, active: make(map[int64]bool)},
		bus:       events.NewBus(&events.Counter{}, logger),
	}
	opts := Options{
		Downloads: downloads,
		Manager:   h.manager,
		Users:     users,
		Bus:       h.bus,
		Cache:     cache.NewLocations("/cache", fs),
		Gatherer:  registry,
		Logger:    logger,
	}
	if withStorage {
		h.store = &fakeStorage{}
		opts.Storage = h.store
		opts.Bucket = "media"
	}

	h.router = gin.New()
	NewHandler(opts).RegisterRoutes(h.router)
	return h
}

func (h *apiHarness) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *apiHarness) token(t *testing.T) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/auth/register", gin.H{
		"username": "alice", "password": "correct-horse", "secret": "letmein",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/api/auth/login", gin.H{
		"username": "alice", "password": "correct-horse",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Token string       `json:"token"`
		User  UserResponse `json:"user"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	assert.Equal(t, "alice", resp.User.Username)
	return resp.Token
}

// buffered creates a record that looks like a buffered movie download.
func (h *apiHarness) buffered(t *testing.T) *domain.Download {
	t.Helper()
	ctx := context.Background()
	d, err := h.downloads.CreateDownload(ctx, &domain.Download{
		PlayerID:    "tv",
		Kind:        domain.MediaKindMovie,
		Source:      domain.SourceMagnet,
		SourceValue: "magnet:?xt=urn:btih:abc123",
	})
	require.NoError(t, err)
	require.NoError(t, h.downloads.RecordAdmission(ctx, d.ID, "abc123", "/cache/movies"))
	require.NoError(t, h.downloads.MarkBuffered(ctx, d.ID, "Movie.2020", "/cache/movies/Movie.2020/movie.mkv"))
	require.NoError(t, afero.WriteFile(h.fs, "/cache/movies/Movie.2020/movie.mkv", []byte("frames"), 0o644))
	got, err := h.downloads.GetDownload(ctx, d.ID)
	require.NoError(t, err)
	return got
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	h := newAPIHarness(t, false)

	rec := h.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"active_downloads":0}`, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mediastream_download_jobs_started_total 1")
}

func TestAPIRequiresToken(t *testing.T) {
	h := newAPIHarness(t, false)

	rec := h.do(t, http.MethodGet, "/api/downloads", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/downloads", nil, "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := h.token(t)
	rec = h.do(t, http.MethodGet, "/api/downloads", nil, token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/api/downloads?token="+token, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/auth/me", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decode[UserResponse](t, rec)
	assert.Equal(t, "alice", me.Username)
	assert.NotNil(t, me.LastLoginAt)
}

func TestAuthErrors(t *testing.T) {
	h := newAPIHarness(t, false)
	h.token(t)

	rec := h.do(t, http.MethodPost, "/api/auth/register", gin.H{
		"username": "bob", "password": "correct-horse", "secret": "wrong",
	}, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/auth/register", gin.H{
		"username": "alice", "password": "correct-horse", "secret": "letmein",
	}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/auth/register", gin.H{
		"username": "carol", "password": "short", "secret": "letmein",
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/auth/login", gin.H{
		"username": "alice", "password": "wrong-horse",
	}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateDownload(t *testing.T) {
	h := newAPIHarness(t, false)
	token := h.token(t)

	limit := 300
	rec := h.do(t, http.MethodPost, "/api/downloads", gin.H{
		"player_id":           "living-room",
		"media_id":            "tt0944947",
		"title":               "Game of Thrones",
		"kind":                "episode",
		"season":              1,
		"episode":             2,
		"source":              "magnet",
		"value":               "magnet:?xt=urn:btih:abc123",
		"download_limit_kbps": limit,
	}, token)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decode[DownloadResponse](t, rec)
	assert.EqualValues(t, 1, resp.ID)
	assert.Equal(t, "show", resp.Kind)
	assert.Equal(t, "starting", resp.State)
	assert.True(t, resp.Active)

	require.Len(t, h.manager.plays, 1)
	play := h.manager.plays[0]
	assert.Equal(t, domain.MediaKindShow, play.Kind)
	assert.Equal(t, domain.SourceMagnet, play.Source)
	assert.Equal(t, 2, play.Episode)
	require.NotNil(t, play.DownloadLimitKBps)
	assert.Equal(t, limit, *play.DownloadLimitKBps)
	assert.Nil(t, play.UploadLimitKBps)

	rec = h.do(t, http.MethodGet, "/api/downloads/1", nil, token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "living-room", decode[DownloadResponse](t, rec).PlayerID)
}

func TestCreateDownloadRejectsBadInput(t *testing.T) {
	h := newAPIHarness(t, false)
	token := h.token(t)

	tests := map[string]gin.H{
		"missing value": {"player_id": "tv", "source": "magnet"},
		"bad kind":      {"player_id": "tv", "source": "magnet", "value": "magnet:?x", "kind": "song"},
		"bad source":    {"player_id": "tv", "source": "http", "value": "http://x"},
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/api/downloads", body, token)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	h.manager.playErr = domain.ErrInvalidJob
	rec := h.do(t, http.MethodPost, "/api/downloads", gin.H{
		"player_id": "tv", "source": "file", "value": "/tmp/x.torrent",
	}, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.manager.plays)
}

func TestGetDownloadErrors(t *testing.T) {
	h := newAPIHarness(t, false)
	token := h.token(t)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/downloads/abc", nil, token).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/downloads/0", nil, token).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/downloads/42", nil, token).Code)
}

func TestDeleteDownloadStopsWithoutPurge(t *testing.T) {
	h := newAPIHarness(t, false)
	token := h.token(t)
	d := h.buffered(t)
	h.manager.active[d.ID] = true

	rec := h.do(t, http.MethodDelete, "/api/downloads/1", nil, token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"stopped":1}`, rec.Body.String())
	assert.Equal(t, []int64{d.ID}, h.manager.stopped)

	_, err := h.downloads.GetDownload(context.Background(), d.ID)
	assert.NoError(t, err)
	exists, err := afero.Exists(h.fs, "/cache/movies/Movie.2020/movie.mkv")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDeleteDownloadPurgesLocalAndRemoteData(t *testing.T) {
	h := newAPIHarness(t, true)
	token := h.token(t)
	d := h.buffered(t)
	require.NoError(t, h.downloads.SetArchiveLocation(context.Background(), d.ID, "s3://media/archive/download-1"))

	rec := h.do(t, http.MethodDelete, "/api/downloads/1?purge=true&delete_remote=true", nil, token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"deleted":1}`, rec.Body.String())

	assert.Equal(t, []string{"archive/download-1"}, h.store.deleted)
	exists, err := afero.Exists(h.fs, "/cache/movies/Movie.2020")
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = afero.DirExists(h.fs, "/cache/movies")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = h.downloads.GetDownload(context.Background(), d.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteDownloadWhileStillStopping(t *testing.T) {
	h := newAPIHarness(t, true)
	token := h.token(t)
	d := h.buffered(t)
	require.NoError(t, h.downloads.SetArchiveLocation(context.Background(), d.ID, "s3://media/archive/download-1"))
	h.manager.active[d.ID] = true
	h.manager.stopErr = context.DeadlineExceeded

	rec := h.do(t, http.MethodDelete, "/api/downloads/1?purge=true&delete_remote=true", nil, token)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), domain.ErrStillStopping.Error())
	assert.Empty(t, h.store.deleted)
	exists, err := afero.Exists(h.fs, "/cache/movies/Movie.2020/movie.mkv")
	require.NoError(t, err)
	assert.True(t, exists)
	_, err = h.downloads.GetDownload(context.Background(), d.ID)
	assert.NoError(t, err)

	rec = h.do(t, http.MethodDelete, "/api/downloads/1", nil, token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[map[string]any](t, rec)
	assert.EqualValues(t, 1, resp["stopped"])
	assert.Equal(t, []any{"stop download: " + context.DeadlineExceeded.Error()}, resp["warnings"])
}

func TestDeleteDownloadFlags(t *testing.T) {
	h := newAPIHarness(t, false)
	token := h.token(t)
	h.buffered(t)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodDelete, "/api/downloads/1?purge=maybe", nil, token).Code)
	rec := h.do(t, http.MethodDelete, "/api/downloads/1?delete_remote=true", nil, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "storage service not configured")
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, "/api/downloads/9", nil, token).Code)
}

func TestArchiveURL(t *testing.T) {
	h := newAPIHarness(t, true)
	token := h.token(t)
	d := h.buffered(t)

	rec := h.do(t, http.MethodGet, "/api/downloads/1/archive-url", nil, token)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, h.downloads.SetArchiveLocation(context.Background(), d.ID, "s3://media/archive/download-1"))
	rec = h.do(t, http.MethodGet, "/api/downloads/1/archive-url?expires=1h", nil, token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[map[string]string](t, rec)
	assert.Equal(t, "archive/download-1/movie.mkv", resp["key"])
	assert.Equal(t, "https://media.example/archive/download-1/movie.mkv?signed", resp["url"])
	assert.NotEmpty(t, resp["expires_at"])

	rec = h.do(t, http.MethodGet, "/api/downloads/1/archive-url?expires=-5m", nil, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListStorageObjects(t *testing.T) {
	h := newAPIHarness(t, true)
	token := h.token(t)
	modified := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h.store.objects = []storage.ObjectInfo{
		{Key: "archive/download-1/movie.mkv", Size: 6, LastModified: &modified},
		{Key: "archive/download-2/ep.mkv", Size: 9},
	}

	rec := h.do(t, http.MethodGet, "/api/storage/objects?prefix=archive/", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[
		{"key":"archive/download-1/movie.mkv","size":6,"last_modified":"2024-03-01T12:00:00Z"},
		{"key":"archive/download-2/ep.mkv","size":9}
	]`, rec.Body.String())
	assert.Equal(t, []string{"archive/"}, h.store.prefixes)

	unconfigured := newAPIHarness(t, false)
	rec = unconfigured.do(t, http.MethodGet, "/api/storage/objects", nil, unconfigured.token(t))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCacheUsageAndClear(t *testing.T) {
	h := newAPIHarness(t, false)
	token := h.token(t)
	require.NoError(t, afero.WriteFile(h.fs, "/cache/shows/Show.S01/e01.mkv", []byte("12345"), 0o644))

	rec := h.do(t, http.MethodGet, "/api/cache", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	usage := decode[[]CacheUsageResponse](t, rec)
	require.Len(t, usage, 3)
	byKind := make(map[string]CacheUsageResponse)
	for _, u := range usage {
		byKind[u.Kind] = u
	}
	assert.EqualValues(t, 5, byKind["show"].Bytes)
	assert.Equal(t, 1, byKind["show"].Files)
	assert.Equal(t, "5 B", byKind["show"].Human)
	assert.Zero(t, byKind["movie"].Bytes)

	h.manager.active[7] = true
	rec = h.do(t, http.MethodDelete, "/api/cache/show", nil, token)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), domain.ErrCacheInUse.Error())

	delete(h.manager.active, 7)
	rec = h.do(t, http.MethodDelete, "/api/cache/show", nil, token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"kind":"show","freed_bytes":5,"freed":"5 B"}`, rec.Body.String())

	exists, err := afero.Exists(h.fs, "/cache/shows/Show.S01/e01.mkv")
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodDelete, "/api/cache/songs", nil, token).Code)
}

func TestEventStream(t *testing.T) {
	h := newAPIHarness(t, false)
	token := h.token(t)
	d := h.buffered(t)
	h.manager.active[d.ID] = true

	srv := httptest.NewServer(h.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/downloads/1/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	type message struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	read := func() message {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg message
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	snapshot := read()
	assert.Equal(t, "snapshot", snapshot.Type)
	var snap DownloadResponse
	require.NoError(t, json.Unmarshal(snapshot.Data, &snap))
	assert.Equal(t, "buffered", snap.State)
	assert.Equal(t, 1, h.bus.Subscribers(d.ID))

	h.bus.Publish(d.ID, events.TypeProgress, 12.5)
	progress := read()
	assert.Equal(t, "progress", progress.Type)
	var ev events.Event
	require.NoError(t, json.Unmarshal(progress.Data, &ev))
	assert.Equal(t, d.ID, ev.DownloadID)
	assert.Equal(t, 12.5, ev.Data)

	h.bus.Publish(d.ID, events.TypeFinished, nil)
	assert.Equal(t, "finished", read().Type)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	require.Eventually(t, func() bool { return h.bus.Subscribers(d.ID) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestEventStreamSeesDownloadEndingWhileConnecting(t *testing.T) {
	h := newAPIHarness(t, false)
	token := h.token(t)
	d := h.buffered(t)
	h.manager.active[d.ID] = true
	h.manager.onIsActive = func(id int64) {
		h.manager.onIsActive = nil
		assert.NoError(t, h.downloads.MarkEnded(context.Background(), id, domain.StateFinished, nil))
		h.bus.Publish(id, events.TypeFinished, nil)
	}

	srv := httptest.NewServer(h.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/downloads/1/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "snapshot", msg.Type)
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "finished", msg.Type)
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestEventStreamOfIdleDownloadClosesAfterSnapshot(t *testing.T) {
	h := newAPIHarness(t, false)
	token := h.token(t)
	h.buffered(t)

	srv := httptest.NewServer(h.router)
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/downloads/"
	_, resp, err := websocket.DefaultDialer.Dial(base+"9/ws?token="+token, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
	assert.Zero(t, h.bus.Subscribers(9))

	conn, resp, err := websocket.DefaultDialer.Dial(base+"1/ws?token="+token, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "snapshot", msg.Type)
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "download not running", closeErr.Text)
	require.Eventually(t, func() bool { return h.bus.Subscribers(1) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestEventStreamOfEndedDownloadClosesAfterSnapshot(t *testing.T) {
	h := newAPIHarness(t, false)
	token := h.token(t)
	d := h.buffered(t)
	require.NoError(t, h.downloads.MarkEnded(context.Background(), d.ID, domain.StateFinished, nil))

	srv := httptest.NewServer(h.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/downloads/1/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "snapshot", msg.Type)
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestStatusFor(t *testing.T) {
	tests := map[error]int{
		domain.ErrNotFound:                     http.StatusNotFound,
		domain.ErrInvalidMagnet:                http.StatusBadRequest,
		domain.ErrCacheInUse:                   http.StatusConflict,
		domain.ErrStillStopping:                http.StatusConflict,
		domain.ErrEngineUnavailable:            http.StatusServiceUnavailable,
		service.ErrInvalidToken:                http.StatusUnauthorized,
		service.ErrInvalidRegistrationPassword: http.StatusForbidden,
		context.Canceled:                       http.StatusInternalServerError,
	}
	for err, want := range tests {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}

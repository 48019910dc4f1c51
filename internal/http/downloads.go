package http

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"media-stream/internal/domain"
	"media-stream/internal/downloader"
	"media-stream/internal/storage"
)

const (
	stopTimeout       = 10 * time.Second
	remoteTimeout     = 30 * time.Second
	defaultURLExpires = 15 * time.Minute
	maxURLExpires     = 7 * 24 * time.Hour
)

type createDownloadRequest struct {
	PlayerID          string `json:"player_id" binding:"required"`
	MediaID           string `json:"media_id"`
	Title             string `json:"title"`
	Kind              string `json:"kind"`
	Season            int    `json:"season"`
	Episode           int    `json:"episode"`
	Source            string `json:"source" binding:"required"`
	Value             string `json:"value" binding:"required"`
	UploadLimitKBps   *int   `json:"upload_limit_kbps"`
	DownloadLimitKBps *int   `json:"download_limit_kbps"`
}

func (r createDownloadRequest) toPlay() (downloader.PlayRequest, error) {
	kind, err := domain.ParseMediaKind(r.Kind)
	if err != nil {
		return downloader.PlayRequest{}, err
	}
	source, err := domain.ParseSourceKind(r.Source)
	if err != nil {
		return downloader.PlayRequest{}, err
	}
	return downloader.PlayRequest{
		PlayerID:          r.PlayerID,
		MediaID:           r.MediaID,
		Title:             r.Title,
		Kind:              kind,
		Season:            r.Season,
		Episode:           r.Episode,
		Source:            source,
		SourceValue:       r.Value,
		UploadLimitKBps:   r.UploadLimitKBps,
		DownloadLimitKBps: r.DownloadLimitKBps,
	}, nil
}

func (h *Handler) createDownload(c *gin.Context) {
	var req createDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	play, err := req.toPlay()
	if err != nil {
		h.fail(c, err)
		return
	}

	d, err := h.manager.Play(c.Request.Context(), play)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, downloadToResponse(*d, h.manager.IsActive(d.ID)))
}

func (h *Handler) listDownloads(c *gin.Context) {
	downloads, err := h.downloads.ListDownloads(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := make([]DownloadResponse, len(downloads))
	for i := range downloads {
		resp[i] = downloadToResponse(downloads[i], h.manager.IsActive(downloads[i].ID))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getDownload(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	d, err := h.downloads.GetDownload(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, downloadToResponse(*d, h.manager.IsActive(d.ID)))
}

// deleteDownload stops a download. purge also removes the local data and the
// record; delete_remote removes the archived objects.
func (h *Handler) deleteDownload(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	purge, err := strconv.ParseBool(c.DefaultQuery("purge", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag purge"})
		return
	}
	deleteRemote, err := strconv.ParseBool(c.DefaultQuery("delete_remote", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_remote"})
		return
	}
	if deleteRemote && h.storage == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "storage service not configured"})
		return
	}

	ctx := c.Request.Context()
	d, err := h.downloads.GetDownload(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}

	var warnings []string
	stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	if err := h.manager.Stop(stopCtx, id); err != nil {
		// The session may still be writing; its data and record stay.
		if purge {
			h.fail(c, fmt.Errorf("%w: %v", domain.ErrStillStopping, err))
			return
		}
		warnings = append(warnings, fmt.Sprintf("stop download: %v", err))
	}

	if deleteRemote && d.ArchiveLocation != "" {
		if err := h.deleteArchive(ctx, d); err != nil {
			warnings = append(warnings, fmt.Sprintf("delete remote data: %v", err))
		}
	}

	if !purge {
		resp := gin.H{"stopped": id}
		if len(warnings) > 0 {
			resp["warnings"] = warnings
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	if target := localData(d); target != "" {
		if err := h.cache.RemoveData(target); err != nil {
			warnings = append(warnings, fmt.Sprintf("remove local data: %v", err))
		}
	}
	if err := h.downloads.DeleteDownload(ctx, id); err != nil {
		h.fail(c, err)
		return
	}

	resp := gin.H{"deleted": id}
	if len(warnings) > 0 {
		resp["warnings"] = warnings
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) deleteArchive(ctx context.Context, d *domain.Download) error {
	prefix, err := storage.ParseLocation(d.ArchiveLocation, h.bucket)
	if err != nil {
		return err
	}
	remoteCtx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()
	if err := h.storage.DeletePrefix(remoteCtx, h.bucket, prefix); err != nil {
		return err
	}
	return h.downloads.SetArchiveLocation(ctx, d.ID, "")
}

// localData is the torrent's top-level entry below the save directory, or
// the file itself when the torrent name is unknown.
func localData(d *domain.Download) string {
	if d.SaveDir == "" || d.FilePath == "" {
		return ""
	}
	if d.TorrentName != "" {
		return filepath.Join(d.SaveDir, d.TorrentName)
	}
	return d.FilePath
}

func (h *Handler) archiveURL(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if h.storage == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "storage service not configured"})
		return
	}
	expires := defaultURLExpires
	if raw := c.Query("expires"); raw != "" {
		v, err := time.ParseDuration(raw)
		if err != nil || v <= 0 || v > maxURLExpires {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid expires"})
			return
		}
		expires = v
	}

	d, err := h.downloads.GetDownload(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if d.ArchiveLocation == "" || d.FilePath == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "download has not been archived"})
		return
	}
	prefix, err := storage.ParseLocation(d.ArchiveLocation, h.bucket)
	if err != nil {
		h.fail(c, err)
		return
	}

	key := path.Join(prefix, filepath.Base(d.FilePath))
	url, err := h.storage.GetObjectURL(c.Request.Context(), h.bucket, key, expires)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"url":        url,
		"key":        key,
		"expires_at": time.Now().Add(expires).UTC().Format(timeLayout),
	})
}

func (h *Handler) listObjects(c *gin.Context) {
	if h.storage == nil || h.bucket == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "storage service not configured"})
		return
	}

	objects, err := h.storage.ListObjects(c.Request.Context(), h.bucket, c.Query("prefix"))
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = StorageObjectResponse{
			Key:          objects[i].Key,
			Size:         objects[i].Size,
			LastModified: formatTime(objects[i].LastModified),
		}
	}
	c.JSON(http.StatusOK, resp)
}

type DownloadResponse struct {
	ID              int64   `json:"id"`
	PlayerID        string  `json:"player_id"`
	MediaID         string  `json:"media_id,omitempty"`
	Title           string  `json:"title,omitempty"`
	Kind            string  `json:"kind"`
	Season          int     `json:"season,omitempty"`
	Episode         int     `json:"episode,omitempty"`
	Source          string  `json:"source"`
	Value           string  `json:"value"`
	UploadLimit     int     `json:"upload_limit_kbps"`
	DownloadLimit   int     `json:"download_limit_kbps"`
	State           string  `json:"state"`
	Active          bool    `json:"active"`
	Progress        float64 `json:"progress"`
	DownloadKBps    float64 `json:"download_kbps"`
	UploadKBps      float64 `json:"upload_kbps"`
	Seeds           int     `json:"seeds"`
	Peers           int     `json:"peers"`
	TorrentName     string  `json:"torrent_name,omitempty"`
	InfoHash        string  `json:"info_hash,omitempty"`
	FilePath        string  `json:"file_path,omitempty"`
	ArchiveLocation string  `json:"archive_location,omitempty"`
	ErrorMessage    string  `json:"error_message,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
	BufferedAt      *string `json:"buffered_at,omitempty"`
	EndedAt         *string `json:"ended_at,omitempty"`
}

func downloadToResponse(d domain.Download, active bool) DownloadResponse {
	return DownloadResponse{
		ID:              d.ID,
		PlayerID:        d.PlayerID,
		MediaID:         d.MediaID,
		Title:           d.Title,
		Kind:            string(d.Kind),
		Season:          d.Season,
		Episode:         d.Episode,
		Source:          string(d.Source),
		Value:           d.SourceValue,
		UploadLimit:     d.UploadLimit,
		DownloadLimit:   d.DownloadLimit,
		State:           string(d.State),
		Active:          active,
		Progress:        d.Progress,
		DownloadKBps:    d.DownloadKBps,
		UploadKBps:      d.UploadKBps,
		Seeds:           d.Seeds,
		Peers:           d.Peers,
		TorrentName:     d.TorrentName,
		InfoHash:        d.InfoHash,
		FilePath:        d.FilePath,
		ArchiveLocation: d.ArchiveLocation,
		ErrorMessage:    d.ErrorMessage,
		CreatedAt:       d.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:       d.UpdatedAt.UTC().Format(timeLayout),
		BufferedAt:      formatTime(d.BufferedAt),
		EndedAt:         formatTime(d.EndedAt),
	}
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

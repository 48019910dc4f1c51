package http

import (
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"media-stream/internal/domain"
)

type CacheUsageResponse struct {
	Kind  string `json:"kind"`
	Dir   string `json:"dir"`
	Files int    `json:"files"`
	Bytes int64  `json:"bytes"`
	Human string `json:"human"`
}

func (h *Handler) cacheUsage(c *gin.Context) {
	usage, err := h.cache.Usage()
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := make([]CacheUsageResponse, len(usage))
	for i, u := range usage {
		resp[i] = CacheUsageResponse{
			Kind:  string(u.Kind),
			Dir:   u.Dir,
			Files: u.Files,
			Bytes: u.Bytes,
			Human: u.Human(),
		}
	}
	c.JSON(http.StatusOK, resp)
}

// clearCache empties one kind's directory. Sessions keep files open while a
// download runs, so clearing is refused until every download has ended and
// no download starts while it runs.
func (h *Handler) clearCache(c *gin.Context) {
	kind, err := domain.ParseMediaKind(c.Param("kind"))
	if err != nil {
		h.fail(c, err)
		return
	}

	var freed int64
	err = h.manager.WhenIdle(func() error {
		var err error
		freed, err = h.cache.Clear(kind)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger.WithField("kind", kind).Infof("cleared cache, freed %s", humanize.IBytes(uint64(freed)))
	c.JSON(http.StatusOK, gin.H{
		"kind":        kind,
		"freed_bytes": freed,
		"freed":       humanize.IBytes(uint64(freed)),
	})
}

package torrent

import (
	tlog "github.com/anacrolix/log"
	"github.com/sirupsen/logrus"
)

// logrusHandler routes anacrolix/torrent's logger into logrus.
type logrusHandler struct {
	entry *logrus.Entry
}

func (h *logrusHandler) Handle(r tlog.Record) {
	level := logrus.DebugLevel
	switch r.Level {
	case tlog.Critical, tlog.Error:
		level = logrus.ErrorLevel
	case tlog.Warning:
		level = logrus.WarnLevel
	case tlog.Info:
		level = logrus.InfoLevel
	}
	h.entry.Log(level, r.Msg.String())
}

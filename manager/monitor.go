package manager

import (
	"time"

	"github.com/slipstream-dl/slipstream/download"
)

// monitor samples the download's byte counter once per second and reports
// through the progress callback. When the download finishes it emits a final
// progress event and dispatches the terminal callback.
func (m *Manager[K]) monitor(key K, e *entry, d *download.Downloader) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	info := d.Info()
	last := info.DownloadedBytes()
	var smoother speedSmoother

	for running := true; running; {
		select {
		case <-ticker.C:
			current := info.DownloadedBytes()
			speed := smoother.sample(float64(current - last))
			if m.onProgress != nil {
				m.onProgress(key, current, int64(speed))
			}
			last = current

		case <-d.Finished():
			running = false
		}
	}

	current := info.DownloadedBytes()
	if m.onProgress != nil {
		m.onProgress(key, current, int64(smoother.sample(float64(current-last))))
	}

	status, err := d.Status()
	m.recordFinished(e, status, current)
	switch status {
	case download.StatusCompleted:
		if m.onCompleted != nil {
			m.onCompleted(key)
		}
	case download.StatusFailed:
		if m.onFailed != nil {
			m.onFailed(key, err)
		}
	case download.StatusCanceled:
		if m.onCanceled != nil {
			m.onCanceled(key)
		}
	}
}

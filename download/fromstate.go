package download

import (
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/slipstream-dl/slipstream/download/state"
	"github.com/slipstream-dl/slipstream/internal/utils"
)

// resumeState carries the already-open state file of a resumed download into
// the coordinator.
type resumeState struct {
	file *state.File
}

// FromState rebuilds a download from its recovery file. filename is the name
// of the resource file; the state file is expected next to it at
// directory/filename + ".bfstate". The URL, content length, tasks count and
// per-segment resume offsets all come from the file; already-persisted bytes
// are counted into Info.DownloadedBytes.
func FromState(client *http.Client, filename string, opts ...Option) (*Downloader, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	path := filepath.Join(cfg.directory, filename) + state.Extension
	sf, snap, err := state.Load(path)
	if err != nil {
		return nil, ioErr(err)
	}

	if snap.TasksCount < MinTasksCount || snap.TasksCount > MaxTasksCount {
		sf.Close()
		return nil, ioErr(fmt.Errorf("corrupt state file %s: tasks count %d", path, snap.TasksCount))
	}
	cfg.tasksCount = snap.TasksCount

	// A state file only ever exists for resumable downloads.
	info := newInfo(filename, snap.ContentLength, snap.HasContentLength, true)
	mode := determineMode(snap.TasksCount, snap.HasContentLength, true)

	ranges, downloaded := resumeRanges(mode, snap)
	info.addDownloaded(downloaded)

	utils.Debug("resume %s: mode=%s tasks=%d downloaded=%d",
		snap.URL, mode, snap.TasksCount, downloaded)

	return newDownloader(client, snap.URL, info, mode, ranges, cfg, &resumeState{file: sf}), nil
}

// resumeRanges derives the remaining byte ranges from the persisted segment
// frontiers: each segment restarts at its frontier and keeps its original
// end. The sum of the frontier advances is what was already downloaded.
func resumeRanges(mode Mode, snap *state.Snapshot) ([]ByteRange, int64) {
	if mode == ModeResumableStream {
		return []ByteRange{{Start: snap.Offsets[0], End: 0}}, snap.Offsets[0]
	}

	partSize, partsBeforeDecrease := splitContent(snap.ContentLength, int64(snap.TasksCount))
	ranges := make([]ByteRange, 0, snap.TasksCount)
	var downloaded int64
	for i := 0; i < snap.TasksCount; i++ {
		orig := partRange(partSize, partsBeforeDecrease, int64(i))
		ranges = append(ranges, ByteRange{Start: snap.Offsets[i], End: orig.End})
		downloaded += snap.Offsets[i] - orig.Start
	}
	return ranges, downloaded
}

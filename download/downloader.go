// Package download implements resumable, multi-segment HTTP downloads of a
// single resource to a single local file. A download is built either from a
// URL (NewSetup, probing the server) or from a crash-recovery state file
// (FromState), then driven to a terminal status by Start. Progress, live
// speed-limit changes and cooperative cancellation are available while it
// runs.
package download

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/slipstream-dl/slipstream/download/state"
	"github.com/slipstream-dl/slipstream/download/throttle"
	"github.com/slipstream-dl/slipstream/internal/utils"
)

// writeMsg is one merged buffer bound for the disk, tagged with its segment
// and absolute file offset.
type writeMsg struct {
	index  int
	offset int64
	data   []byte
}

// Downloader drives one download from start to a terminal status.
type Downloader struct {
	client      *http.Client
	rawURL      string
	info        *Info
	mode        Mode
	ranges      []ByteRange
	tasksCount  int
	liveTasks   int
	liveIndexes []int
	cfg         config
	handle      *handle
	throttleCfg *throttle.Config
	barrier     *throttle.Barrier
	resume      *resumeState
}

// Info exposes the download metadata and the live byte counter.
func (d *Downloader) Info() *Info {
	return d.info
}

// Mode returns the fetch strategy chosen for this download.
func (d *Downloader) Mode() Mode {
	return d.mode
}

// URL returns the resource URL.
func (d *Downloader) URL() string {
	return d.rawURL
}

// TasksCount is the number of segments of this download: 0 for
// non-resumable, 1 for a stream, the configured count otherwise.
func (d *Downloader) TasksCount() int {
	return d.tasksCount
}

// Ranges returns a copy of the planned segment byte ranges.
func (d *Downloader) Ranges() []ByteRange {
	out := make([]ByteRange, len(d.ranges))
	copy(out, d.ranges)
	return out
}

// Status returns the effective download status and, for failures, the error.
func (d *Downloader) Status() (Status, error) {
	return d.handle.status()
}

// Cancel fires the cancel token. All tasks observe it and exit promptly;
// repeated calls are no-ops.
func (d *Downloader) Cancel() {
	d.handle.token.Cancel()
}

// ChangeSpeedLimit updates the total speed limit in kB/s (0 removes the
// limit) while the download runs. The next chunk each task handles forces a
// barrier-synchronized swap to the new per-task rate.
func (d *Downloader) ChangeSpeedLimit(kbps uint64) {
	d.throttleCfg.Update(kbps*1024, d.liveTasks)
}

// WaitUntilFinished blocks until the download reaches a terminal status.
func (d *Downloader) WaitUntilFinished() {
	<-d.handle.finished
}

// Finished returns a channel closed when the download reaches a terminal
// status.
func (d *Downloader) Finished() <-chan struct{} {
	return d.handle.finished
}

// Start runs the download until it completes, fails or is canceled. It
// returns the failure error, or nil for completion and cancellation; Status
// distinguishes the latter two. The context is bridged into the cancel
// token, so ctx cancellation behaves exactly like Cancel.
func (d *Downloader) Start(ctx context.Context) error {
	d.handle.start()
	token := d.handle.token

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				token.Cancel()
			case <-d.handle.finished:
			}
		}()
	}

	destPath := filepath.Join(d.cfg.directory, d.info.filename)

	writer, err := openWriter(destPath, d.resume == nil)
	if err != nil {
		var sf *state.File
		if d.resume != nil {
			sf = d.resume.file
		}
		return d.abort(ioErr(err), nil, sf)
	}

	stateFile, err := d.openState(destPath)
	if err != nil {
		return d.abort(ioErr(err), writer, nil)
	}

	chunks := make(chan chunkMsg, chunkChannelCapacity)
	writes := make(chan writeMsg, writeChannelCapacity)
	aggregators := d.buildAggregators()

	// canWrite goes false on the first writer failure; from then on both
	// channels are drained without touching the disk so the fetch tasks can
	// exit cleanly.
	var canWrite atomic.Bool
	canWrite.Store(true)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range writes {
			if !canWrite.Load() {
				continue
			}
			if err := writer.writeAt(msg.offset, msg.data); err != nil {
				d.handle.fail(ioErr(err))
				canWrite.Store(false)
				continue
			}
			// The segment frontier is persisted only after its bytes are on
			// disk, so the state file can never claim more progress than
			// the data file holds.
			if err := stateFile.UpdateProgress(msg.index, int64(len(msg.data))); err != nil {
				d.handle.fail(ioErr(err))
				canWrite.Store(false)
			}
		}
	}()

	var wg sync.WaitGroup
	for _, index := range d.liveIndexes {
		wg.Add(1)
		go func(index int, rangeValue string) {
			defer wg.Done()
			d.fetchSegment(index, rangeValue, chunks)
		}(index, d.rangeValue(index))
	}
	go func() {
		wg.Wait()
		close(chunks)
	}()

	for msg := range chunks {
		if !canWrite.Load() {
			continue
		}
		d.info.addDownloaded(int64(len(msg.data)))
		agg := aggregators[msg.index]
		agg.push(msg.data)
		if agg.len() >= flushThreshold {
			// Read the frontier before mergeAll advances it.
			offset := agg.startSeek
			writes <- writeMsg{index: msg.index, offset: offset, data: agg.mergeAll()}
		}
	}

	// Unconditional tail flush so the end of each segment is never lost.
	if canWrite.Load() {
		for i, agg := range aggregators {
			if agg.len() > 0 {
				offset := agg.startSeek
				writes <- writeMsg{index: i, offset: offset, data: agg.mergeAll()}
			}
		}
	}
	close(writes)
	<-writerDone

	completed := !d.handle.interrupted()
	if completed {
		if err := writer.sync(); err != nil {
			d.handle.fail(ioErr(err))
			completed = false
		}
	}
	writer.close()

	if completed {
		// Recovery state is meaningless once the file is whole.
		if err := stateFile.Remove(); err != nil {
			utils.Debug("failed to remove state file for %s: %v", destPath, err)
		}
	} else {
		stateFile.Close()
	}

	d.handle.finalize()
	if st, err := d.handle.status(); st == StatusFailed {
		return err
	}
	return nil
}

// abort handles setup failures inside Start: latch the error, release what
// was opened, publish the terminal status.
func (d *Downloader) abort(err *Error, writer *fileWriter, stateFile *state.File) error {
	d.handle.fail(err)
	if writer != nil {
		writer.close()
	}
	if stateFile != nil {
		stateFile.Close()
	}
	d.handle.finalize()
	return err
}

// openState opens the recovery file for this download: a fresh one for new
// resumable downloads, the already-loaded handle on resume, a no-op sink for
// non-resumable mode.
func (d *Downloader) openState(destPath string) (*state.File, error) {
	if d.mode == ModeNonResumable {
		return state.Noop(), nil
	}
	if d.resume != nil {
		return d.resume.file, nil
	}
	starts := make([]int64, len(d.ranges))
	for i, r := range d.ranges {
		starts[i] = r.Start
	}
	length, hasLength := d.info.ContentLength()
	return state.Create(destPath+state.Extension, d.rawURL, length, hasLength, len(d.ranges), starts)
}

// buildAggregators creates one aggregator per segment, seeded with the
// segment's write frontier.
func (d *Downloader) buildAggregators() []*bytesAggregator {
	if d.mode == ModeNonResumable {
		return []*bytesAggregator{newAggregator(0)}
	}
	aggregators := make([]*bytesAggregator, 0, len(d.ranges))
	for _, r := range d.ranges {
		aggregators = append(aggregators, newAggregator(r.Start))
	}
	return aggregators
}

// rangeValue renders the Range header for a segment; empty for the unranged
// non-resumable fetch.
func (d *Downloader) rangeValue(index int) string {
	switch d.mode {
	case ModeNonResumable:
		return ""
	case ModeResumableStream:
		return rangeHeader(d.ranges[index], true)
	default:
		return rangeHeader(d.ranges[index], false)
	}
}

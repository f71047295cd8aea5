package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/slipstream-dl/slipstream/download/throttle"
	"github.com/slipstream-dl/slipstream/internal/utils"
)

// Setup is a validated build of a fresh download. Init probes the server and
// produces the Downloader.
type Setup struct {
	client *http.Client
	rawURL string
	cfg    config
}

// NewSetup validates the inputs for a fresh download. The client and URL are
// required; everything else has defaults.
func NewSetup(client *http.Client, rawurl string, opts ...Option) (*Setup, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Setup{client: client, rawURL: rawurl, cfg: cfg}, nil
}

// Init sends the HEAD probe, plans the download mode and segment ranges and
// returns the ready-to-start Downloader.
func (s *Setup) Init(ctx context.Context) (*Downloader, error) {
	resp, err := s.probe(ctx)
	if err != nil {
		return nil, err
	}

	contentLength, hasContentLength := parseContentLength(resp.Header.Get("Content-Length"))
	resumable := resp.Header.Get("Accept-Ranges") == "bytes"
	filename := utils.ExtractFilename(s.rawURL, resp.Header)

	info := newInfo(filename, contentLength, hasContentLength, resumable)
	mode := determineMode(s.cfg.tasksCount, hasContentLength, resumable)
	ranges := planRanges(mode, contentLength, s.cfg.tasksCount)

	utils.Debug("setup %s: mode=%s filename=%s length=%d tasks=%d",
		s.rawURL, mode, filename, contentLength, len(ranges))

	return newDownloader(s.client, s.rawURL, info, mode, ranges, s.cfg, nil), nil
}

// probe issues the HEAD request under the configured timeout.
func (s *Setup) probe(ctx context.Context) (*http.Response, error) {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, s.rawURL, nil)
	if err != nil {
		return nil, netErr(fmt.Errorf("failed to create probe request: %w", err))
	}
	req.Header.Set("User-Agent", s.cfg.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, timeoutErr()
		}
		return nil, netErr(fmt.Errorf("probe request failed: %w", err))
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, netErr(fmt.Errorf("unexpected probe status: %d", resp.StatusCode))
	}
	return resp, nil
}

func parseContentLength(header string) (int64, bool) {
	if header == "" {
		return 0, false
	}
	length, err := strconv.ParseInt(header, 10, 64)
	if err != nil || length < 0 {
		return 0, false
	}
	return length, true
}

// exposedTasksCount is the externally visible tasks count for a mode: 0 for a
// non-resumable download (one unranged fetch, no state file), 1 for a
// stream, the configured count otherwise.
func exposedTasksCount(mode Mode, configured int) int {
	switch mode {
	case ModeNonResumable:
		return 0
	case ModeResumableStream:
		return 1
	default:
		return configured
	}
}

// liveSegments picks the segments that still need fetching. A resumed
// download may carry segments whose frontier already passed their end; those
// get no task (and on a fully persisted download, none do).
func liveSegments(mode Mode, info *Info, ranges []ByteRange) []int {
	switch mode {
	case ModeNonResumable:
		return []int{0}
	case ModeResumableStream:
		if length, ok := info.ContentLength(); ok && ranges[0].Start >= length {
			return nil
		}
		return []int{0}
	default:
		var live []int
		for i, r := range ranges {
			if r.Start <= r.End {
				live = append(live, i)
			}
		}
		return live
	}
}

func newDownloader(client *http.Client, rawURL string, info *Info, mode Mode, ranges []ByteRange, cfg config, resume *resumeState) *Downloader {
	tasksCount := exposedTasksCount(mode, cfg.tasksCount)
	liveIndexes := liveSegments(mode, info, ranges)

	// The barrier party count and the per-task rate split both follow the
	// number of tasks actually spawned.
	liveTasks := len(liveIndexes)
	if liveTasks == 0 {
		liveTasks = 1
	}

	throttleCfg := throttle.NewConfig()
	throttleCfg.Set(cfg.speedLimitKB*1024, liveTasks)

	return &Downloader{
		client:      client,
		rawURL:      rawURL,
		info:        info,
		mode:        mode,
		ranges:      ranges,
		tasksCount:  tasksCount,
		liveTasks:   liveTasks,
		liveIndexes: liveIndexes,
		cfg:         cfg,
		handle:      newHandle(cfg.token),
		throttleCfg: throttleCfg,
		barrier:     throttle.NewBarrier(liveTasks),
		resume:      resume,
	}
}

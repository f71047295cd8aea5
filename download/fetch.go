package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/slipstream-dl/slipstream/download/throttle"
)

// chunkMsg is one network chunk tagged with its segment index, the unit
// flowing from fetch tasks to the coordinator.
type chunkMsg struct {
	data  []byte
	index int
}

type readResult struct {
	data []byte
	err  error
}

// downloadStrategy is the per-task forwarding behavior: direct when
// unthrottled, paced through a Throttler otherwise. Rebuilt on every speed
// change.
type downloadStrategy struct {
	throttler *throttle.Throttler
}

func newStrategy(taskSpeed uint64) downloadStrategy {
	if taskSpeed > 0 {
		return downloadStrategy{throttler: throttle.New(taskSpeed)}
	}
	return downloadStrategy{}
}

// pace accounts a forwarded chunk and sleeps when throttled. Returns false if
// the sleep was interrupted by cancellation.
func (s downloadStrategy) pace(n int, cancel <-chan struct{}) bool {
	if s.throttler == nil {
		return true
	}
	return s.throttler.Pace(n, cancel)
}

// fetchSegment downloads one segment and pushes its chunks downstream. It
// races every step against the cancel token and an idle timer that is re-armed
// on each received chunk. The first terminal outcome (error, timeout, cancel)
// is reported to the handle; whichever producer got there first wins.
func (d *Downloader) fetchSegment(index int, rangeValue string, chunks chan<- chunkMsg) {
	token := d.handle.token

	// Detach from the rendezvous on the way out so a finished segment can
	// never leave the remaining tasks waiting for a party that is gone.
	defer d.barrier.Leave()

	reqCtx, cancelReq := context.WithCancel(context.Background())
	defer cancelReq()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, d.rawURL, nil)
	if err != nil {
		d.handle.fail(netErr(fmt.Errorf("failed to create request: %w", err)))
		return
	}
	req.Header.Set("User-Agent", d.cfg.userAgent)
	if rangeValue != "" {
		req.Header.Set("Range", rangeValue)
	}

	resp, ok := d.sendRequest(req, cancelReq)
	if !ok {
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		d.handle.fail(netErr(fmt.Errorf("unexpected status: %d", resp.StatusCode)))
		return
	}

	body := make(chan readResult)
	go pumpBody(reqCtx, resp.Body, body)

	strategy := newStrategy(d.throttleCfg.TaskSpeed())
	idle := time.NewTimer(d.cfg.timeout)
	defer idle.Stop()

	for {
		select {
		case <-token.Done():
			d.handle.cancel()
			return

		case <-idle.C:
			d.handle.fail(timeoutErr())
			return

		case res := <-body:
			if res.err != nil {
				if !errors.Is(res.err, io.EOF) {
					d.handle.fail(netErr(fmt.Errorf("reading response body: %w", res.err)))
				}
				return
			}

			select {
			case chunks <- chunkMsg{data: res.data, index: index}:
			case <-token.Done():
				d.handle.cancel()
				return
			}

			if !strategy.pace(len(res.data), token.Done()) {
				d.handle.cancel()
				return
			}

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(d.cfg.timeout)

			if d.throttleCfg.Changed() {
				// All tasks rebuild against the new speed and meet at the
				// barrier before anyone fetches more; the leader clears the
				// flag so the update is consumed exactly once.
				strategy = newStrategy(d.throttleCfg.TaskSpeed())
				leader, ok := d.barrier.Wait(token.Done())
				if !ok {
					d.handle.cancel()
					return
				}
				if leader {
					d.throttleCfg.ResetChanged()
				}
				// Time parked at the barrier is not idleness.
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(d.cfg.timeout)
			}
		}
	}
}

// sendRequest issues the segment request, racing the send against the
// configured timeout and the cancel token. On either interruption the
// in-flight request is aborted via its context.
func (d *Downloader) sendRequest(req *http.Request, cancelReq context.CancelFunc) (*http.Response, bool) {
	token := d.handle.token

	type respResult struct {
		resp *http.Response
		err  error
	}
	rc := make(chan respResult, 1)
	go func() {
		resp, err := d.client.Do(req)
		rc <- respResult{resp: resp, err: err}
	}()

	timer := time.NewTimer(d.cfg.timeout)
	defer timer.Stop()

	select {
	case r := <-rc:
		if r.err != nil {
			if token.Canceled() {
				d.handle.cancel()
			} else {
				d.handle.fail(netErr(fmt.Errorf("request failed: %w", r.err)))
			}
			return nil, false
		}
		return r.resp, true

	case <-timer.C:
		cancelReq()
		if r := <-rc; r.resp != nil {
			r.resp.Body.Close()
		}
		d.handle.fail(timeoutErr())
		return nil, false

	case <-token.Done():
		cancelReq()
		if r := <-rc; r.resp != nil {
			r.resp.Body.Close()
		}
		d.handle.cancel()
		return nil, false
	}
}

// pumpBody turns the blocking response body into channel receives so the
// fetch loop can select over it. It exits when the request context is
// canceled, which the owning task guarantees on every return path.
func pumpBody(ctx context.Context, body io.Reader, out chan<- readResult) {
	for {
		buf := make([]byte, readBufferSize)
		n, err := body.Read(buf)
		if n > 0 {
			select {
			case out <- readResult{data: buf[:n]}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			select {
			case out <- readResult{err: err}:
			case <-ctx.Done():
			}
			return
		}
	}
}

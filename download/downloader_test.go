package download_test

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream-dl/slipstream/download"
	"github.com/slipstream-dl/slipstream/download/state"
	"github.com/slipstream-dl/slipstream/internal/testutil"
)

func initDownload(t *testing.T, server *testutil.MockServer, opts ...download.Option) *download.Downloader {
	t.Helper()
	s, err := download.NewSetup(http.DefaultClient, server.URL(), opts...)
	require.NoError(t, err)
	d, err := s.Init(context.Background())
	require.NoError(t, err)
	return d
}

func TestDownload_Multithread(t *testing.T) {
	size := int64(256*1024 + 13)
	server := testutil.NewMockServer(testutil.WithFileSize(size))
	defer server.Close()
	dir := t.TempDir()

	d := initDownload(t, server, download.WithTasksCount(4), download.WithDirectory(dir))
	require.NoError(t, d.Start(context.Background()))

	st, err := d.Status()
	assert.Equal(t, download.StatusCompleted, st)
	assert.NoError(t, err)
	assert.Equal(t, size, d.Info().DownloadedBytes())

	data, err := os.ReadFile(filepath.Join(dir, "file.bin"))
	require.NoError(t, err)
	assert.Equal(t, testutil.Payload(size), data)

	assert.Equal(t, int64(4), server.RangeRequests.Load())

	_, statErr := os.Stat(filepath.Join(dir, "file.bin"+state.Extension))
	assert.True(t, os.IsNotExist(statErr), "state file must be removed after success")
}

func TestDownload_NonResumable(t *testing.T) {
	size := int64(64 * 1024)
	server := testutil.NewMockServer(
		testutil.WithFileSize(size),
		testutil.WithRangeSupport(false),
	)
	defer server.Close()
	dir := t.TempDir()

	d := initDownload(t, server, download.WithDirectory(dir))
	require.Equal(t, download.ModeNonResumable, d.Mode())
	require.NoError(t, d.Start(context.Background()))

	st, _ := d.Status()
	assert.Equal(t, download.StatusCompleted, st)

	data, err := os.ReadFile(filepath.Join(dir, "file.bin"))
	require.NoError(t, err)
	assert.Equal(t, testutil.Payload(size), data)

	assert.Equal(t, int64(1), server.FullRequests.Load())
	_, statErr := os.Stat(filepath.Join(dir, "file.bin"+state.Extension))
	assert.True(t, os.IsNotExist(statErr), "non-resumable mode keeps no state file")
}

func TestDownload_StreamUnknownLength(t *testing.T) {
	size := int64(96 * 1024)
	server := testutil.NewMockServer(
		testutil.WithFileSize(size),
		testutil.WithHiddenLength(),
	)
	defer server.Close()
	dir := t.TempDir()

	d := initDownload(t, server, download.WithTasksCount(8), download.WithDirectory(dir))
	require.Equal(t, download.ModeResumableStream, d.Mode())
	require.NoError(t, d.Start(context.Background()))

	st, _ := d.Status()
	assert.Equal(t, download.StatusCompleted, st)

	data, err := os.ReadFile(filepath.Join(dir, "file.bin"))
	require.NoError(t, err)
	assert.Equal(t, testutil.Payload(size), data)
	assert.Equal(t, size, d.Info().DownloadedBytes())
}

func TestDownload_Cancel(t *testing.T) {
	server := testutil.NewMockServer(
		testutil.WithFileSize(8*1024*1024),
		testutil.WithLatency(20*time.Millisecond),
	)
	defer server.Close()
	dir := t.TempDir()

	d := initDownload(t, server, download.WithTasksCount(4), download.WithDirectory(dir))

	done := make(chan error, 1)
	go func() { done <- d.Start(context.Background()) }()

	time.Sleep(500 * time.Millisecond)
	d.Cancel()
	d.Cancel() // re-cancel is a no-op

	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is not a failure")
	case <-time.After(10 * time.Second):
		t.Fatal("download did not stop after cancel")
	}

	st, err := d.Status()
	assert.Equal(t, download.StatusCanceled, st)
	assert.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "file.bin"+state.Extension))
	assert.NoError(t, statErr, "state file survives cancellation for a later resume")
}

func TestDownload_ContextCancel(t *testing.T) {
	server := testutil.NewMockServer(
		testutil.WithFileSize(8*1024*1024),
		testutil.WithLatency(20*time.Millisecond),
	)
	defer server.Close()
	dir := t.TempDir()

	d := initDownload(t, server, download.WithTasksCount(2), download.WithDirectory(dir))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	time.Sleep(500 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("download did not stop after context cancel")
	}

	st, _ := d.Status()
	assert.Equal(t, download.StatusCanceled, st)
}

func TestDownload_IdleTimeout(t *testing.T) {
	server := testutil.NewMockServer(
		testutil.WithFileSize(1024*1024),
		testutil.WithLatency(time.Millisecond),
		testutil.WithStallAfter(16*1024),
	)
	defer server.Close()
	dir := t.TempDir()

	d := initDownload(t, server,
		download.WithTasksCount(2),
		download.WithDirectory(dir),
		download.WithTimeout(500*time.Millisecond))

	err := d.Start(context.Background())
	require.Error(t, err)

	st, stErr := d.Status()
	assert.Equal(t, download.StatusFailed, st)

	var derr *download.Error
	require.True(t, errors.As(stErr, &derr))
	assert.Equal(t, download.KindTimeout, derr.Kind)
}

func TestDownload_WaitUntilFinished(t *testing.T) {
	server := testutil.NewMockServer(testutil.WithFileSize(32 * 1024))
	defer server.Close()
	dir := t.TempDir()

	d := initDownload(t, server, download.WithDirectory(dir))
	go d.Start(context.Background())

	waited := make(chan struct{})
	go func() {
		d.WaitUntilFinished()
		close(waited)
	}()

	select {
	case <-waited:
	case <-time.After(10 * time.Second):
		t.Fatal("WaitUntilFinished did not return")
	}

	st, _ := d.Status()
	assert.Equal(t, download.StatusCompleted, st)
}

func TestDownload_ChangeSpeedLimitMidflight(t *testing.T) {
	size := int64(2 * 1024 * 1024)
	server := testutil.NewMockServer(
		testutil.WithFileSize(size),
		testutil.WithLatency(5*time.Millisecond),
	)
	defer server.Close()
	dir := t.TempDir()

	d := initDownload(t, server, download.WithTasksCount(2), download.WithDirectory(dir))

	done := make(chan error, 1)
	go func() { done <- d.Start(context.Background()) }()

	// Force a barrier-synchronized strategy swap while chunks are flowing.
	time.Sleep(200 * time.Millisecond)
	d.ChangeSpeedLimit(100 * 1024) // ~100 MB/s, effectively unthrottled
	time.Sleep(200 * time.Millisecond)
	d.ChangeSpeedLimit(0)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("download did not finish after speed changes")
	}

	st, _ := d.Status()
	assert.Equal(t, download.StatusCompleted, st)

	data, err := os.ReadFile(filepath.Join(dir, "file.bin"))
	require.NoError(t, err)
	assert.Equal(t, testutil.Payload(size), data)
}

func TestDownload_ThrottledFromStart(t *testing.T) {
	size := int64(128 * 1024)
	server := testutil.NewMockServer(testutil.WithFileSize(size))
	defer server.Close()
	dir := t.TempDir()

	d := initDownload(t, server,
		download.WithTasksCount(2),
		download.WithDirectory(dir),
		download.WithSpeedLimit(100*1024)) // far above the file size, no real sleeps
	require.NoError(t, d.Start(context.Background()))

	data, err := os.ReadFile(filepath.Join(dir, "file.bin"))
	require.NoError(t, err)
	assert.Equal(t, testutil.Payload(size), data)
}

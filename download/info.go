package download

import "sync/atomic"

// Info holds the immutable metadata of a download plus the live byte counter.
// All fields except the counter are fixed once the probe (or the state file)
// has been consumed.
type Info struct {
	filename         string
	contentLength    int64
	hasContentLength bool
	resumable        bool
	downloadedBytes  atomic.Int64
}

func newInfo(filename string, contentLength int64, hasContentLength, resumable bool) *Info {
	return &Info{
		filename:         filename,
		contentLength:    contentLength,
		hasContentLength: hasContentLength,
		resumable:        resumable,
	}
}

// Filename is the local name the resource is saved under.
func (i *Info) Filename() string {
	return i.filename
}

// ContentLength returns the resource size when the server reported one.
func (i *Info) ContentLength() (int64, bool) {
	return i.contentLength, i.hasContentLength
}

// IsResumable reports whether the server accepts byte ranges.
func (i *Info) IsResumable() bool {
	return i.resumable
}

// DownloadedBytes is the number of bytes received so far, including bytes
// recovered from a state file on resume. Safe to read from any goroutine.
func (i *Info) DownloadedBytes() int64 {
	return i.downloadedBytes.Load()
}

// addDownloaded is only called by the coordinator, the single writer of the
// counter.
func (i *Info) addDownloaded(n int64) {
	i.downloadedBytes.Add(n)
}

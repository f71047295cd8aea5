// Package state persists per-download recovery data. Each resumable download
// owns one binary state file next to the destination file; the file holds the
// source URL, the content length, the tasks count and one write frontier per
// segment, and is rewritten in place as segments make progress.
package state

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/gofrs/flock"
)

// Extension is appended to the resource filename to form the state file name.
const Extension = ".bfstate"

// lockSuffix names the advisory lock guarding a state file against a second
// process resuming the same download.
const lockSuffix = ".lock"

const u64Size = 8

// File is an open state file. The layout is little-endian:
//
//	u32 urlLen | url bytes | u8 lengthFlag | [u64 contentLength] | u8 tasksCount | u64 offsets[tasksCount]
//
// The zero-size header variant (noop) is used for non-resumable downloads,
// which keep no recovery state on disk.
type File struct {
	f          *os.File
	lock       *flock.Flock
	headerSize int64
	offsets    []int64
	noop       bool
}

// Snapshot is the decoded header of a state file.
type Snapshot struct {
	URL              string
	ContentLength    int64
	HasContentLength bool
	TasksCount       int
	Offsets          []int64
}

// Noop returns a state file handle whose every operation succeeds without
// touching the disk.
func Noop() *File {
	return &File{noop: true}
}

// Create writes a fresh state file at path and returns the open handle.
// starts are the initial per-segment write frontiers (absolute file offsets).
func Create(path, url string, contentLength int64, hasContentLength bool, tasksCount int, starts []int64) (*File, error) {
	lock, err := acquireLock(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Create(path)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to create state file: %w", err)
	}

	if err := writeHeader(f, url, contentLength, hasContentLength, tasksCount, starts); err != nil {
		f.Close()
		lock.Unlock()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		lock.Unlock()
		return nil, fmt.Errorf("failed to sync state file: %w", err)
	}

	offsets := make([]int64, len(starts))
	copy(offsets, starts)

	return &File{
		f:          f,
		lock:       lock,
		headerSize: headerSize(url, hasContentLength),
		offsets:    offsets,
	}, nil
}

// Load opens an existing state file for reading and writing and decodes its
// header.
func Load(path string) (*File, *Snapshot, error) {
	lock, err := acquireLock(path)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		lock.Unlock()
		return nil, nil, fmt.Errorf("failed to open state file: %w", err)
	}

	snap, err := readHeader(f)
	if err != nil {
		f.Close()
		lock.Unlock()
		return nil, nil, fmt.Errorf("corrupt state file %s: %w", path, err)
	}

	offsets := make([]int64, len(snap.Offsets))
	copy(offsets, snap.Offsets)

	return &File{
		f:          f,
		lock:       lock,
		headerSize: headerSize(snap.URL, snap.HasContentLength),
		offsets:    offsets,
	}, snap, nil
}

// UpdateProgress advances the frontier of one segment by writtenBytes and
// persists it. The new offset is fsynced before returning so a crash can
// never claim more progress than the data file holds.
func (s *File) UpdateProgress(index int, writtenBytes int64) error {
	if s.noop {
		return nil
	}
	if index < 0 || index >= len(s.offsets) {
		return fmt.Errorf("segment index %d out of range", index)
	}

	s.offsets[index] += writtenBytes

	var buf [u64Size]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(s.offsets[index]))
	if _, err := s.f.WriteAt(buf[:], s.headerSize+int64(index)*u64Size); err != nil {
		return fmt.Errorf("failed to update segment %d: %w", index, err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	return nil
}

// Offset returns the current write frontier of a segment.
func (s *File) Offset(index int) int64 {
	if s.noop {
		return 0
	}
	return s.offsets[index]
}

// Close releases the lock and closes the underlying file.
func (s *File) Close() error {
	if s.noop {
		return nil
	}
	err := s.f.Close()
	if s.lock != nil {
		s.lock.Unlock()
		os.Remove(s.lock.Path())
	}
	return err
}

// Remove closes the handle and deletes the state file. Used after a
// successful download, when recovery state is no longer meaningful.
func (s *File) Remove() error {
	if s.noop {
		return nil
	}
	name := s.f.Name()
	if err := s.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}

func acquireLock(path string) (*flock.Flock, error) {
	lock := flock.New(path + lockSuffix)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock state file: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("state file %s is locked by another process", path)
	}
	return lock, nil
}

func headerSize(url string, hasContentLength bool) int64 {
	size := int64(4 + len(url) + 1 + 1)
	if hasContentLength {
		size += u64Size
	}
	return size
}

func writeHeader(f *os.File, url string, contentLength int64, hasContentLength bool, tasksCount int, starts []int64) error {
	var buf [u64Size]byte

	binary.LittleEndian.PutUint32(buf[:4], uint32(len(url)))
	if _, err := f.Write(buf[:4]); err != nil {
		return fmt.Errorf("failed to write state header: %w", err)
	}
	if _, err := f.Write([]byte(url)); err != nil {
		return fmt.Errorf("failed to write state header: %w", err)
	}

	if hasContentLength {
		buf[0] = 1
		if _, err := f.Write(buf[:1]); err != nil {
			return fmt.Errorf("failed to write state header: %w", err)
		}
		binary.LittleEndian.PutUint64(buf[:], uint64(contentLength))
		if _, err := f.Write(buf[:u64Size]); err != nil {
			return fmt.Errorf("failed to write state header: %w", err)
		}
	} else {
		buf[0] = 0
		if _, err := f.Write(buf[:1]); err != nil {
			return fmt.Errorf("failed to write state header: %w", err)
		}
	}

	buf[0] = byte(tasksCount)
	if _, err := f.Write(buf[:1]); err != nil {
		return fmt.Errorf("failed to write state header: %w", err)
	}

	for _, start := range starts {
		binary.LittleEndian.PutUint64(buf[:], uint64(start))
		if _, err := f.Write(buf[:u64Size]); err != nil {
			return fmt.Errorf("failed to write segment offsets: %w", err)
		}
	}
	return nil
}

func readHeader(f *os.File) (*Snapshot, error) {
	var buf [u64Size]byte

	if _, err := io.ReadFull(f, buf[:4]); err != nil {
		return nil, fmt.Errorf("reading url length: %w", err)
	}
	urlLen := binary.LittleEndian.Uint32(buf[:4])

	urlBytes := make([]byte, urlLen)
	if _, err := io.ReadFull(f, urlBytes); err != nil {
		return nil, fmt.Errorf("reading url: %w", err)
	}

	if _, err := io.ReadFull(f, buf[:1]); err != nil {
		return nil, fmt.Errorf("reading length flag: %w", err)
	}

	snap := &Snapshot{URL: string(urlBytes)}
	if buf[0] == 1 {
		if _, err := io.ReadFull(f, buf[:u64Size]); err != nil {
			return nil, fmt.Errorf("reading content length: %w", err)
		}
		snap.ContentLength = int64(binary.LittleEndian.Uint64(buf[:u64Size]))
		snap.HasContentLength = true
	}

	if _, err := io.ReadFull(f, buf[:1]); err != nil {
		return nil, fmt.Errorf("reading tasks count: %w", err)
	}
	snap.TasksCount = int(buf[0])

	snap.Offsets = make([]int64, 0, snap.TasksCount)
	for i := 0; i < snap.TasksCount; i++ {
		if _, err := io.ReadFull(f, buf[:u64Size]); err != nil {
			return nil, fmt.Errorf("reading segment offset %d: %w", i, err)
		}
		snap.Offsets = append(snap.Offsets, int64(binary.LittleEndian.Uint64(buf[:u64Size])))
	}

	return snap, nil
}

package utils

import (
	"fmt"
	"os"
	"sync"
	"time"
)

var (
	debugFile *os.File
	debugOnce sync.Once
)

// Debug writes a timestamped message to the debug log. Logging is off unless
// SLIPSTREAM_DEBUG points at a writable file path.
func Debug(format string, args ...any) {
	debugOnce.Do(func() {
		path := os.Getenv("SLIPSTREAM_DEBUG")
		if path == "" {
			return
		}
		debugFile, _ = os.Create(path)
	})
	if debugFile != nil {
		timestamp := time.Now().Format("2006-01-02 15:04:05")
		fmt.Fprintf(debugFile, "[%s] %s\n", timestamp, fmt.Sprintf(format, args...))
		debugFile.Sync() // Flush immediately
	}
}

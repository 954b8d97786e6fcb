package logs

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Sentinel is the line that terminates every compile log.
const Sentinel = "====END===="

// WriteSentinel appends the end marker to the log at path and syncs it. The
// marker always starts on its own line, even when the last output line was
// not newline-terminated.
func WriteSentinel(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("opening log %s: %w", path, err)
	}

	marker := Sentinel + "\n"
	needsNewline, err := endsWithoutNewline(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("reading log %s: %w", path, err)
	}
	if needsNewline {
		marker = "\n" + marker
	}

	if _, err := f.WriteString(marker); err != nil {
		f.Close()
		return fmt.Errorf("writing end marker to %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing log %s: %w", path, err)
	}
	return f.Close()
}

// endsWithoutNewline reports whether f is non-empty and its last byte is not
// '\n'.
func endsWithoutNewline(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil && err != io.EOF {
		return false, err
	}
	return last[0] != '\n', nil
}

// IsSentinel reports whether line is the end marker.
func IsSentinel(line string) bool {
	return strings.TrimRight(line, "\r") == Sentinel
}

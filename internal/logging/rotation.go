package logging

import (
	"cmp"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// compressedSuffix is appended to rotated backups when compression is on.
const compressedSuffix = ".zst"

// RotationConfig holds configuration for log rotation.
type RotationConfig struct {
	// MaxSizeMB is the size in megabytes at which the log is rotated.
	// Zero disables rotation.
	MaxSizeMB int
	// MaxBackups is how many rotated files survive a rotation. The file
	// rotated out last is always kept, so zero still leaves one.
	MaxBackups int
	// Compress zstd-compresses backups once they are rotated out.
	Compress bool
}

// DefaultRotationConfig returns a RotationConfig with sensible defaults.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{
		MaxSizeMB:  10,
		MaxBackups: 3,
		Compress:   false,
	}
}

// LogBackup is a rotated copy of a log file. Backups are numbered from 1,
// the most recently rotated, upwards.
type LogBackup struct {
	Path       string
	Index      int
	Compressed bool
}

// ParseLogBackup reports whether name is a rotated backup of the log file
// named base, such as "agentspace.log.2" or "agentspace.log.2.zst".
func ParseLogBackup(base, name string) (index int, compressed, ok bool) {
	rest, found := strings.CutPrefix(name, base+".")
	if !found {
		return 0, false, false
	}
	rest, compressed = strings.CutSuffix(rest, compressedSuffix)
	index, err := strconv.Atoi(rest)
	if err != nil || index < 1 || strconv.Itoa(index) != rest {
		return 0, false, false
	}
	return index, compressed, true
}

// LogBackups lists the rotated backups of the log file at path, newest
// first. A missing directory yields no backups.
func LogBackups(path string) ([]LogBackup, error) {
	dir, base := filepath.Split(path)
	entries, err := os.ReadDir(filepath.Clean(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var backups []LogBackup
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		index, compressed, ok := ParseLogBackup(base, entry.Name())
		if !ok {
			continue
		}
		backups = append(backups, LogBackup{
			Path:       filepath.Join(dir, entry.Name()),
			Index:      index,
			Compressed: compressed,
		})
	}
	slices.SortFunc(backups, func(a, b LogBackup) int { return cmp.Compare(a.Index, b.Index) })
	return backups, nil
}

// RotatingWriter is an io.WriteCloser over a log file that moves the file
// aside once it would grow past the configured size. It is safe for
// concurrent use.
type RotatingWriter struct {
	mu     sync.Mutex
	path   string
	config RotationConfig
	limit  int64

	file *os.File
	size int64

	// compressing tracks background compression of the newest backup.
	compressing sync.WaitGroup
}

// NewRotatingWriter opens (or creates) the log file at path. A config
// with MaxSizeMB of 0 never rotates.
func NewRotatingWriter(path string, config RotationConfig) (*RotatingWriter, error) {
	rw := &RotatingWriter{
		path:   path,
		config: config,
		limit:  int64(config.MaxSizeMB) * 1024 * 1024,
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(rw.path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(rw.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	rw.file = file
	rw.size = info.Size()
	return nil
}

// Write appends p, rotating first when p would push the file past the
// limit. A failed rotation is reported on stderr and the write goes to
// the current file so no log line is lost.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return 0, fmt.Errorf("log file is closed")
	}
	if rw.limit > 0 && rw.size > 0 && rw.size+int64(len(p)) > rw.limit {
		if err := rw.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: log rotation failed: %v\n", err)
		}
		if rw.file == nil {
			return 0, fmt.Errorf("log file is closed")
		}
	}

	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// rotate renames the log to backup 1 and starts a fresh file. The caller
// must hold the mutex.
func (rw *RotatingWriter) rotate() error {
	if err := rw.closeFile(); err != nil {
		return err
	}
	if err := rw.shiftBackups(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to shift log backups: %v\n", err)
	}

	newest := rw.path + ".1"
	if err := os.Rename(rw.path, newest); err != nil {
		if openErr := rw.open(); openErr != nil {
			return fmt.Errorf("failed to rename log file and reopen: %w", openErr)
		}
		return fmt.Errorf("failed to rename log file: %w", err)
	}
	if rw.config.Compress {
		rw.compressing.Go(func() {
			if err := compressFile(newest); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to compress %s: %v\n", newest, err)
			}
		})
	}
	return rw.open()
}

// shiftBackups renumbers backups one up to make room for a new backup 1,
// removing those that would exceed MaxBackups.
func (rw *RotatingWriter) shiftBackups() error {
	// Backup 1 may still be compressing under its old name.
	rw.compressing.Wait()

	backups, err := LogBackups(rw.path)
	if err != nil {
		return err
	}
	var firstErr error
	// Oldest first, so a rename never lands on a backup not yet moved.
	for _, b := range slices.Backward(backups) {
		if b.Index >= rw.config.MaxBackups {
			err = os.Remove(b.Path)
		} else {
			err = os.Rename(b.Path, rw.backupPath(b.Index+1, b.Compressed))
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (rw *RotatingWriter) backupPath(index int, compressed bool) string {
	p := rw.path + "." + strconv.Itoa(index)
	if compressed {
		p += compressedSuffix
	}
	return p
}

// compressFile replaces path with a zstd-compressed copy. The original is
// removed only once the copy is complete.
func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst := path + compressedSuffix
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err == nil {
		_, err = io.Copy(enc, src)
		if closeErr := enc.Close(); err == nil {
			err = closeErr
		}
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp, dst)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Remove(path)
}

func (rw *RotatingWriter) closeFile() error {
	if err := rw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	err := rw.file.Close()
	rw.file = nil
	if err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

// Close closes the log file and waits for a pending compression. Closing
// twice is a no-op.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return nil
	}
	err := rw.closeFile()
	rw.compressing.Wait()
	return err
}

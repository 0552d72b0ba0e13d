// Package sys provides a small indirection over file opening so tests can
// inject failing file handles, plus the rename primitive used for the atomic
// log swap.
package sys

import (
	"os"
	"sync/atomic"
)

// FileHandle is the subset of *os.File the log subsystem relies on.
type FileHandle interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Close() error
	Name() string
}

// OpenFileFunc opens a file and returns a FileHandle.
type OpenFileFunc func(name string, flag int, perm os.FileMode) (FileHandle, error)

// fnWrapper is a stable concrete type for atomic.Value; all stored values
// must share the same concrete type.
type fnWrapper struct {
	fn OpenFileFunc
}

var openFileFn atomic.Value // stores fnWrapper

func init() {
	openFileFn.Store(fnWrapper{fn: defaultOpenFile})
}

func defaultOpenFile(name string, flag int, perm os.FileMode) (FileHandle, error) {
	return os.OpenFile(name, flag, perm)
}

// OpenFile opens a file through the currently installed OpenFileFunc.
func OpenFile(name string, flag int, perm os.FileMode) (FileHandle, error) {
	return openFileFn.Load().(fnWrapper).fn(name, flag, perm)
}

// SetOpenFileFunc installs a replacement OpenFileFunc (used by tests to
// inject I/O faults) and returns the previous one so callers can restore it.
func SetOpenFileFunc(fn OpenFileFunc) OpenFileFunc {
	prev := openFileFn.Load().(fnWrapper).fn
	if fn == nil {
		fn = defaultOpenFile
	}
	openFileFn.Store(fnWrapper{fn: fn})
	return prev
}

// Rename atomically replaces newpath with oldpath. On POSIX systems rename
// within a filesystem is atomic; there is never a window where newpath is
// missing or partial.
func Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

// Remove deletes the named file, ignoring not-exist errors.
func Remove(name string) error {
	err := os.Remove(name)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

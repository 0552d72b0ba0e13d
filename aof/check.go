package aof

import (
	"errors"
	"fmt"
	"os"

	"github.com/aoflog/aoflog/core"
	"github.com/aoflog/aoflog/sys"
)

// Report is the result of an integrity check over a log file.
type Report struct {
	Path        string
	ValidLength int64 // byte length of the longest valid prefix
	Entries     int   // entries inside the valid prefix
	Repaired    bool
	Corruption  *core.CorruptionError // nil when the file is fully valid
}

// Check scans the log at path without modifying it. If the file is fully
// valid the returned error is nil; if corruption is found the report
// describes the valid prefix and the error is the *core.CorruptionError.
func Check(path string) (Report, error) {
	return CheckAndRepair(path, false)
}

// CheckAndRepair validates the log's structure record by record. In fix
// mode a corrupt or truncated file is truncated to its longest valid
// prefix, producing a file guaranteed loadable by Replay; the discarded
// suffix is never partially trusted or patched. In check-only mode the file
// is left untouched and the corruption is returned as the error.
//
// It must only be run against a log no live writer currently owns.
func CheckAndRepair(path string, fix bool) (Report, error) {
	res, scanErr := scanLog(path, nil)
	report := Report{
		Path:        path,
		ValidLength: res.validLength,
		Entries:     res.entries,
	}
	if scanErr == nil {
		return report, nil
	}

	var ce *core.CorruptionError
	if !errors.As(scanErr, &ce) {
		// Unopenable/unreadable file, not a structural problem to repair.
		return report, scanErr
	}
	report.Corruption = ce
	report.ValidLength = ce.ValidLength
	report.Entries = ce.Entries

	if !fix {
		return report, ce
	}

	file, err := sys.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return report, fmt.Errorf("failed to open log for repair: %w", err)
	}
	defer file.Close()

	if err := file.Truncate(ce.ValidLength); err != nil {
		return report, fmt.Errorf("failed to truncate log to valid prefix %d: %w", ce.ValidLength, err)
	}
	if err := file.Sync(); err != nil {
		return report, fmt.Errorf("failed to sync repaired log: %w", err)
	}

	report.Repaired = true
	return report, nil
}

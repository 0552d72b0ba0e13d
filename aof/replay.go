package aof

import (
	"log/slog"
	"os"

	"github.com/aoflog/aoflog/core"
)

// Replay reads the log at path from the start and calls apply for every
// entry, in file order. Later entries may depend on earlier ones, so there
// is no reordering or parallel application. A missing file is an empty log.
//
// On a clean read it returns the number of entries applied and a nil error.
// If a malformed record is found, replay stops without applying it and
// returns the entries applied so far together with a *core.CorruptionError;
// the caller decides whether to fail startup or authorize a repair.
func Replay(path string, logger *slog.Logger, apply func(*core.LogEntry) error) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "AOF-replay")

	res, err := scanLog(path, apply)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("No log file found, starting from an empty dataset.", "path", path)
			return 0, nil
		}
		logger.Warn("Replay stopped before end of log.", "path", path, "entries_applied", res.entries, "valid_length", res.validLength, "error", err)
		return res.entries, err
	}

	logger.Info("Replay complete.", "path", path, "entries", res.entries, "bytes", res.validLength)
	return res.entries, nil
}

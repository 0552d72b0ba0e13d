package core

import (
	"bytes"
	"fmt"
	"strings"
)

// This file centralizes constants related to the on-disk log format and
// other protocol-level identifiers shared across the subsystem.

const (
	// LogMagicNumber identifies an append-only operation log file.
	LogMagicNumber uint32 = 0x414F4C31 // "AOL1"

	// FormatVersion is the current version of the persistent log format.
	FormatVersion uint8 = 1

	// RewriteTempSuffix is appended to the log path for the temporary file
	// produced during a rewrite, before the atomic rename.
	RewriteTempSuffix = ".rewrite"

	// MaxRecordSize bounds a single record's payload. A length prefix larger
	// than this is treated as corruption rather than an allocation request.
	MaxRecordSize = 64 * 1024 * 1024 // 64 MiB
)

// SyncMode defines how aggressively buffered writes are forced to disk.
type SyncMode string

const (
	// SyncAlways syncs after every appended entry (highest durability,
	// lowest throughput).
	SyncAlways SyncMode = "always"
	// SyncInterval relies on a periodic flush loop owned by the engine.
	SyncInterval SyncMode = "interval"
	// SyncNever writes through to the OS but never forces a sync.
	SyncNever SyncMode = "never"
)

// ParseSyncMode converts a configuration string into a SyncMode.
func ParseSyncMode(s string) (SyncMode, error) {
	switch SyncMode(strings.ToLower(s)) {
	case SyncAlways:
		return SyncAlways, nil
	case SyncInterval, "":
		return SyncInterval, nil
	case SyncNever:
		return SyncNever, nil
	default:
		return "", fmt.Errorf("unknown sync mode %q (want always, interval or never)", s)
	}
}

// CompressionType identifies the compression algorithm used for record
// payloads. It is stored in the file header so readers know how to
// decompress.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

// String returns the string representation of the CompressionType.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompressionType converts a configuration string into a CompressionType.
func ParseCompressionType(s string) (CompressionType, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression type %q", s)
	}
}

// Compressor defines the interface for record payload compression.
type Compressor interface {
	// Compress compresses the input data.
	Compress(data []byte) ([]byte, error)
	// CompressTo compresses src into dst, resetting dst first.
	CompressTo(dst *bytes.Buffer, src []byte) error
	// Decompress decompresses the input data.
	Decompress(data []byte) ([]byte, error)
	// Type returns the CompressionType identifier for this compressor.
	Type() CompressionType
}

package aof

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/aoflog/aoflog/compressors"
	"github.com/aoflog/aoflog/core"
	"github.com/aoflog/aoflog/sys"
)

// scanResult describes how far a sequential scan got.
type scanResult struct {
	validLength int64
	entries     int
}

// scanLog reads a log file from the start, validating the frame of every
// record (length prefix, checksum, payload encoding) and invoking apply for
// each decoded entry. It stops at the first structural problem and reports
// it as a CorruptionError whose ValidLength is the offset of the last good
// record's end. A zero-length file is a valid empty log.
func scanLog(path string, apply func(*core.LogEntry) error) (scanResult, error) {
	file, err := sys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return scanResult{}, err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return scanResult{}, fmt.Errorf("failed to stat log file %s: %w", path, err)
	}
	fileSize := stat.Size()
	if fileSize == 0 {
		return scanResult{}, nil
	}

	header, err := readHeader(file, path, fileSize)
	if err != nil {
		return scanResult{}, err
	}
	compressor, err := compressors.ForType(header.CompressorType)
	if err != nil {
		return scanResult{}, fmt.Errorf("log file %s: %w", path, err)
	}

	reader := bufio.NewReaderSize(file, 256*1024)
	res := scanResult{validLength: core.HeaderSize}

	corrupt := func(reason string, cause error) (scanResult, error) {
		return res, &core.CorruptionError{
			Path:        path,
			ValidLength: res.validLength,
			Entries:     res.entries,
			Reason:      reason,
			Err:         cause,
		}
	}

	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(reader, lenBuf[:]); err != nil {
			if err == io.EOF {
				return res, nil // clean end of log
			}
			return corrupt("truncated record length", err)
		}
		payloadLen := binary.LittleEndian.Uint32(lenBuf[:])
		if payloadLen > core.MaxRecordSize {
			return corrupt(fmt.Sprintf("record length %d exceeds maximum %d", payloadLen, core.MaxRecordSize), nil)
		}
		if res.validLength+int64(payloadLen)+8 > fileSize {
			return corrupt(fmt.Sprintf("record length %d runs past end of file", payloadLen), nil)
		}

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return corrupt("truncated record payload", err)
		}
		if _, err := io.ReadFull(reader, lenBuf[:]); err != nil {
			return corrupt("truncated record checksum", err)
		}
		if want := binary.LittleEndian.Uint32(lenBuf[:]); crc32.ChecksumIEEE(payload) != want {
			return corrupt("checksum mismatch", nil)
		}

		payload, err = compressor.Decompress(payload)
		if err != nil {
			return corrupt("payload decompression failed", err)
		}
		entry, err := core.DecodeEntry(payload)
		if err != nil {
			return corrupt("undecodable entry", err)
		}

		if apply != nil {
			if err := apply(entry); err != nil {
				// Not corruption: the record is well-formed but the store
				// rejected it. Stop and report distinctly.
				return res, fmt.Errorf("failed to apply %s entry %d: %w", entry.Op, res.entries, err)
			}
		}

		res.validLength += int64(payloadLen) + 8
		res.entries++
	}
}

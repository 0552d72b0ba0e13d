package core

import (
	"encoding/binary"
	"time"
)

// FileHeader is the fixed binary header at the start of every log file.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano timestamp
	CompressorType CompressionType
}

// HeaderSize is the encoded size of a FileHeader in bytes.
var HeaderSize = int64(binary.Size(FileHeader{}))

// NewFileHeader creates a header stamped with the current time.
func NewFileHeader(compressorType CompressionType) FileHeader {
	return FileHeader{
		Magic:          LogMagicNumber,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		CompressorType: compressorType,
	}
}

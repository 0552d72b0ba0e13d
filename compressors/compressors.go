// Package compressors provides the core.Compressor implementations used for
// record payload compression in the operation log.
package compressors

import (
	"fmt"

	"github.com/aoflog/aoflog/core"
)

// ForType returns a Compressor for the given on-disk compression identifier.
func ForType(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor()
	default:
		return nil, fmt.Errorf("unsupported compression type: %d", t)
	}
}

package compressors

import (
	"bytes"
	"fmt"
	"io"

	lz4 "github.com/pierrec/lz4/v4"

	"github.com/aoflog/aoflog/core"
)

// LZ4Compressor implements the Compressor interface using the LZ4 frame
// format. The frame format is self-describing and stores incompressible
// input as-is, which small operation records usually are.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.CompressTo(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	decompressed, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
	return decompressed, nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}

// CompressTo compresses src into dst using the lz4 frame format.
func (c *LZ4Compressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	w := lz4.NewWriter(dst)
	if _, err := w.Write(src); err != nil {
		w.Close()
		return fmt.Errorf("lz4 compress error: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("lz4 compress error: %w", err)
	}
	return nil
}

// Package compress wraps LZ4 compression, applied by internal/bluetooth
// to every transport frame whatever packet type it carries. It
// consolidates the teacher's two parallel compression implementations
// (pkg/utils/compression.go's free functions and
// internal/service/compression_service.go's service struct) into one
// component, since neither variant differed in algorithm choice — only
// in how they were called.
package compress

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
)

// MinSizeToCompress avoids spending CPU compressing payloads small
// enough that LZ4's frame overhead would net-increase their size; this
// matters on BLE where every payload is already MTU-constrained.
const MinSizeToCompress = 100

// Compress encodes data with LZ4, checksum enabled for corruption
// detection over an unreliable radio link.
func Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	zw.Apply(lz4.ChecksumOption(true))

	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(compressed []byte) ([]byte, error) {
	if len(compressed) == 0 {
		return compressed, nil
	}

	zr := lz4.NewReader(bytes.NewReader(compressed))

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, zr); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// IfBeneficial compresses data only when it clears MinSizeToCompress and
// the result is actually smaller; it reports whether compression was
// applied so the caller can set the appropriate outer-envelope flag.
func IfBeneficial(data []byte) (out []byte, compressed bool, err error) {
	if len(data) < MinSizeToCompress {
		return data, false, nil
	}

	candidate, err := Compress(data)
	if err != nil {
		return nil, false, err
	}
	if len(candidate) >= len(data) {
		return data, false, nil
	}

	return candidate, true, nil
}

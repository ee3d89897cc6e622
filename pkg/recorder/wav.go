package recorder

import (
	"encoding/binary"
	"os"
)

// ============================================
// RIFF/WAVE CONTAINER
// 44-byte header: PCM, mono, 24kHz, 16 bits/sample
// ============================================

const (
	wavHeaderSize  = 44
	wavFormatPCM   = 1
	wavChannels    = 1
	wavSampleRate  = 24000
	wavBitsPerSamp = 16
	wavBlockAlign  = wavChannels * wavBitsPerSamp / 8
	wavByteRate    = wavSampleRate * wavBlockAlign
)

// writeWAVHeader writes the 44-byte header for the given data size at the
// file's current offset. Called once with dataSize=0 when the file is
// opened (a placeholder reserved on disk) and again after seeking to 0
// once the final data size is known (spec.md §4.3 container contract).
func writeWAVHeader(f *os.File, dataSize uint32) error {
	var hdr [wavHeaderSize]byte

	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], wavHeaderSize-8+dataSize)
	copy(hdr[8:12], "WAVE")

	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(hdr[22:24], wavChannels)
	binary.LittleEndian.PutUint32(hdr[24:28], wavSampleRate)
	binary.LittleEndian.PutUint32(hdr[28:32], wavByteRate)
	binary.LittleEndian.PutUint16(hdr[32:34], wavBlockAlign)
	binary.LittleEndian.PutUint16(hdr[34:36], wavBitsPerSamp)

	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], dataSize)

	_, err := f.Write(hdr[:])
	return err
}

// samplesToBytes little-endian encodes PCM16 samples for the container.
func samplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(s))
	}
	return out
}

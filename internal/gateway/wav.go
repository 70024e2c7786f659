package gateway

import "encoding/binary"

// writeWAVHeader writes a 44-byte canonical RIFF/WAVE header for a
// live, indeterminate-length PCM stream. The data-chunk size field is
// set to the maximum representable value (not 0) since most players
// treat a 0-length data chunk as "no audio" but will happily keep
// reading past a too-large declared size until the connection closes.
func writeWAVHeader(w writeFlusher, sampleRate, channels, bitDepth int) {
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	if channels <= 0 {
		channels = 2
	}
	if bitDepth <= 0 {
		bitDepth = 16
	}
	blockAlign := channels * (bitDepth / 8)
	byteRate := sampleRate * blockAlign

	buf := make([]byte, 44)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], 0xFFFFFFFF)
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bitDepth))
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], 0xFFFFFFFF)

	_, _ = w.Write(buf)
}

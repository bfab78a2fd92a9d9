package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// WAVInfo describes the PCM stream inside a RIFF/WAVE file
type WAVInfo struct {
	SampleRate int
	Channels   int
	BitDepth   int
	DataOffset int
	DataSize   int
}

// Duration is the playback length of the data chunk
func (i WAVInfo) Duration() time.Duration {
	bytesPerSecond := i.SampleRate * i.Channels * i.BitDepth / 8
	if bytesPerSecond == 0 {
		return 0
	}
	return time.Duration(float64(i.DataSize) / float64(bytesPerSecond) * float64(time.Second))
}

// ParseWAV walks the RIFF chunks of data and returns the fmt and data chunk
// details. Chunks other than "fmt " and "data" (LIST, fact, ...) are skipped.
func ParseWAV(data []byte) (WAVInfo, error) {
	var info WAVInfo
	if len(data) < 12 {
		return info, fmt.Errorf("wav too short: %d bytes", len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return info, fmt.Errorf("not a RIFF/WAVE file")
	}

	haveFmt := false
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return info, fmt.Errorf("truncated fmt chunk")
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != wavFormatPCM && format != wavFormatExtensible {
				return info, fmt.Errorf("unsupported wav format tag %d", format)
			}
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			info.BitDepth = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return info, fmt.Errorf("data chunk before fmt chunk")
			}
			// Streaming writers leave the size unset; clamp to what we have.
			if size == 0 || body+size > len(data) {
				size = len(data) - body
			}
			info.DataOffset = body
			info.DataSize = size
			return info, nil
		}

		// Chunks are word aligned
		pos = body + size + size%2
	}

	if !haveFmt {
		return info, fmt.Errorf("missing fmt chunk")
	}
	return info, fmt.Errorf("missing data chunk")
}

// EncodeWAV wraps raw little-endian PCM in a canonical 44-byte header
func EncodeWAV(pcm []byte, sampleRate, channels, bitDepth int) []byte {
	blockAlign := channels * bitDepth / 8
	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(wavFormatPCM))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitDepth))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

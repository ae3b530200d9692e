package tools

import (
	"bytes"
	"encoding/binary"
)

const wavSampleRate = 16000

// encodeWAV wraps mono float samples in [-1, 1] as 16-bit PCM.
func encodeWAV(samples []float64) []byte {
	var pcm bytes.Buffer
	for _, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.Write(&pcm, binary.LittleEndian, int16(s*32767))
	}

	var out bytes.Buffer
	dataLen := uint32(pcm.Len())
	out.WriteString("RIFF")
	binary.Write(&out, binary.LittleEndian, 36+dataLen)
	out.WriteString("WAVE")
	out.WriteString("fmt ")
	binary.Write(&out, binary.LittleEndian, uint32(16))
	binary.Write(&out, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&out, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&out, binary.LittleEndian, uint32(wavSampleRate))
	binary.Write(&out, binary.LittleEndian, uint32(wavSampleRate*2))
	binary.Write(&out, binary.LittleEndian, uint16(2))
	binary.Write(&out, binary.LittleEndian, uint16(16))
	out.WriteString("data")
	binary.Write(&out, binary.LittleEndian, dataLen)
	out.Write(pcm.Bytes())
	return out.Bytes()
}

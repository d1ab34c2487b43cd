package provider

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"
	"unicode/utf8"
)

const (
	toneSampleRate = 16000
	toneFrequency  = 440.0
	toneAmplitude  = 0.3
	tonePerRune    = 60 * time.Millisecond
	toneMin        = 500 * time.Millisecond
	toneMax        = 10 * time.Second

	// SyntheticID is the provider id reported for the placeholder tone.
	SyntheticID = "synthetic"
)

// ToneDuration returns the length of the tone generated for text.
func ToneDuration(text string) time.Duration {
	d := time.Duration(utf8.RuneCountInString(text)) * tonePerRune
	return min(max(d, toneMin), toneMax)
}

// SyntheticTone renders a 16-bit mono PCM WAV sine tone whose length is
// proportional to text. The output depends only on text.
func SyntheticTone(text string) Audio {
	n := int(ToneDuration(text) * toneSampleRate / time.Second)
	dataLen := n * 2

	var buf bytes.Buffer
	buf.Grow(44 + dataLen)

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	_ = binary.Write(&buf, binary.LittleEndian, uint32(toneSampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(toneSampleRate*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(dataLen))

	sample := make([]byte, 2)
	for i := range n {
		v := toneAmplitude * math.Sin(2*math.Pi*toneFrequency*float64(i)/toneSampleRate)
		binary.LittleEndian.PutUint16(sample, uint16(int16(v*math.MaxInt16)))
		buf.Write(sample)
	}

	return Audio{
		Data:      buf.Bytes(),
		MimeType:  "audio/wav",
		Provider:  SyntheticID,
		Synthetic: true,
	}
}

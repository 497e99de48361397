package tts

import (
	"bytes"
	"time"

	"github.com/hajimehoshi/go-mp3"
)

// go-mp3 always decodes to 16-bit stereo.
const mp3BytesPerFrame = 4

// probeDuration estimates the play length of an MP3 payload. Other formats
// and undecodable streams report zero.
func probeDuration(mediaType string, payload []byte) (d time.Duration) {
	if mediaType != "audio/mpeg" && mediaType != "audio/mp3" {
		return 0
	}
	defer func() {
		if recover() != nil {
			d = 0
		}
	}()
	decoder, err := mp3.NewDecoder(bytes.NewReader(payload))
	if err != nil || decoder.SampleRate() <= 0 {
		return 0
	}
	length := decoder.Length()
	if length <= 0 {
		return 0
	}
	frames := length / mp3BytesPerFrame
	return time.Duration(frames) * time.Second / time.Duration(decoder.SampleRate())
}

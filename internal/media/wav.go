package media

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ContentTypeWAV is served for audio produced by the local backends.
const ContentTypeWAV = "audio/wav"

// EncodeWAV encodes 16-bit PCM samples as a WAV file in memory.
func EncodeWAV(samples []int, sampleRate, channels int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, errors.New("no samples to encode")
	}
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid wav format %d Hz x %d", sampleRate, channels)
	}
	out := &writeSeeker{}
	enc := wav.NewEncoder(out, sampleRate, 16, channels, 1)
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return out.buf, nil
}

// Silence returns a mono WAV clip of ms milliseconds of silence.
func Silence(ms, sampleRate int) ([]byte, error) {
	n := sampleRate * ms / 1000
	if n <= 0 {
		n = 1
	}
	return EncodeWAV(make([]int, n), sampleRate, 1)
}

// writeSeeker is an in-memory io.WriteSeeker; the wav encoder seeks back to
// patch chunk sizes on Close.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	end := w.pos + len(p)
	if end > len(w.buf) {
		w.buf = append(w.buf, make([]byte, end-len(w.buf))...)
	}
	copy(w.buf[w.pos:], p)
	w.pos = end
	return len(p), nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(w.pos) + offset
	case io.SeekEnd:
		next = int64(len(w.buf)) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if next < 0 {
		return 0, errors.New("negative seek position")
	}
	w.pos = int(next)
	return next, nil
}

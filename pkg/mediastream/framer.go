package mediastream

import "github.com/zaf/g711"

// FrameSize is the number of μ-law bytes in one 20 ms frame at 8 kHz.
const FrameSize = 160

// Reframe slices raw μ-law bytes into [FrameSize]-byte frames. The final
// frame carries the residue and may be shorter; every other frame is exactly
// FrameSize bytes. Concatenating the returned frames reproduces data.
//
// The returned slices alias data; callers that retain frames past the
// lifetime of data must copy them.
func Reframe(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	frames := make([][]byte, 0, (len(data)+FrameSize-1)/FrameSize)
	for off := 0; off < len(data); off += FrameSize {
		end := off + FrameSize
		if end > len(data) {
			end = len(data)
		}
		frames = append(frames, data[off:end])
	}
	return frames
}

// UlawFromPCM16k converts little-endian int16 mono PCM at 16 kHz into 8 kHz
// μ-law. Downsampling is plain 2:1 decimation, which is adequate for
// voice-band content. A trailing odd byte is dropped.
//
// This is the fallback path for models that deliver binary PCM instead of
// μ-law; the primary path forwards μ-law untouched.
func UlawFromPCM16k(pcm []byte) []byte {
	samples := len(pcm) / 2
	if samples == 0 {
		return nil
	}

	// Keep every second sample: 16 kHz → 8 kHz.
	out := make([]byte, 0, (samples/2+1)*2)
	for i := 0; i+1 < len(pcm); i += 4 {
		out = append(out, pcm[i], pcm[i+1])
	}
	return g711.EncodeUlaw(out)
}

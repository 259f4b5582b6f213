// Package audio holds the sample-level types shared by the wecall voice
// pipeline: captured microphone [Frame]s, decoded playback [Buffer]s, and the
// float ↔ PCM16 conversions that sit between them and the wire.
//
// Concrete devices live in sub-packages: capture (microphone contract),
// ffmpeg (real microphone and speaker processes), playback (the gapless
// scheduler and its clocked output) and pcm (the transport codec).
package audio

// Package pcm converts between normalised audio samples and the
// transport-safe packets exchanged with the remote speech model.
//
// Outbound audio is 16-bit signed little-endian PCM, base64-encoded and tagged
// with [InputMIMEType]. Inbound audio uses the same representation at the
// model's output rate. Both directions are pure and deterministic.
package pcm

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/MrWong99/wecall/pkg/audio"
)

const (
	// InputSampleRate is the microphone rate expected by the speech model.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of model speech.
	OutputSampleRate = 24000

	// InputMIMEType tags every outbound packet.
	InputMIMEType = "audio/pcm;rate=16000"
)

// ErrMalformedPacket is returned by [Decode] when a packet cannot be turned
// back into samples.
var ErrMalformedPacket = errors.New("pcm: malformed packet")

// Packet is one encoded chunk of audio. Packets are immutable once built.
type Packet struct {
	// Data is base64 (standard alphabet) of little-endian int16 samples.
	Data string

	// MIMEType identifies the encoding and sample rate.
	MIMEType string
}

// Encode scales frame samples to int16, serialises them and base64-encodes
// the result. The packet is always tagged with [InputMIMEType].
func Encode(frame audio.Frame) Packet {
	return Packet{
		Data:     base64.StdEncoding.EncodeToString(audio.FloatToPCM16(frame.Samples)),
		MIMEType: InputMIMEType,
	}
}

// Decode reverses [Encode] for audio received at the given format. An empty
// packet decodes to an empty buffer.
func Decode(p Packet, format audio.Format) (audio.Buffer, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return audio.Buffer{}, fmt.Errorf("pcm: invalid format %s", format)
	}
	raw, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if len(raw)%(2*format.Channels) != 0 {
		return audio.Buffer{}, fmt.Errorf("%w: %d bytes is not a whole number of %d-channel int16 frames",
			ErrMalformedPacket, len(raw), format.Channels)
	}
	return audio.Buffer{
		Samples:    audio.PCM16ToFloat(raw),
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
	}, nil
}

// Decoder decodes inbound packets at a fixed output format.
type Decoder struct {
	Format audio.Format
}

// NewDecoder returns a Decoder for 24 kHz mono model speech.
func NewDecoder() Decoder {
	return Decoder{Format: audio.Mono(OutputSampleRate)}
}

// Decode decodes p at d.Format.
func (d Decoder) Decode(p Packet) (audio.Buffer, error) {
	return Decode(p, d.Format)
}

// Encoder encodes microphone frames for the model. Mono frames captured at a
// different rate are resampled to SampleRate first.
type Encoder struct {
	SampleRate int
}

// NewEncoder returns an Encoder for 16 kHz model input.
func NewEncoder() Encoder {
	return Encoder{SampleRate: InputSampleRate}
}

// Encode encodes f, resampling when needed.
func (e Encoder) Encode(f audio.Frame) Packet {
	if f.SampleRate > 0 && f.SampleRate != e.SampleRate && f.Channels <= 1 {
		f.Samples = audio.ResampleMono(f.Samples, f.SampleRate, e.SampleRate)
		f.SampleRate = e.SampleRate
	}
	return Encode(f)
}

// Package audio handles microphone frame accumulation and PCM format conversion.
// It implements fixed-size frame emission with a send-or-drop consumer channel,
// float-to-PCM16 transport encoding, and WAV container wrapping for batch uploads.
package audio

// Package transcription implements both speech-to-text modes behind one result
// type: a batch multipart upload client with retry/backoff, and a realtime
// channel that negotiates an ephemeral session and streams partial/final
// transcripts over a websocket.
package transcription

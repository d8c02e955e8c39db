// Package server exposes the gateway's HTTP and websocket surface: batch
// transcription upload, ephemeral realtime session negotiation, conversation
// turns, and the monitoring endpoints.
package server

// Package srt carries transport streams into the ingest registry over SRT,
// either by listening for publishers (Server) or by pulling from a remote
// listener (Caller).
package srt

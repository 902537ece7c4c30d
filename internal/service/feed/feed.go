// Package feed defines sources of raw transcription messages and playback
// positions, the two inputs of a transcript session.
package feed

import "context"

// Callback receives what a source produces.
type Callback interface {
	// OnMessage is called with one raw wire payload from publisherID.
	OnMessage(ctx context.Context, publisherID string, payload []byte)

	// OnPresentation is called with the latest playback position in ms.
	OnPresentation(ms int64)
}

// Source produces messages and playback positions until its script ends,
// ctx is cancelled, or Close is called.
type Source interface {
	// Run plays the source, blocking until it is done.
	Run(ctx context.Context, cb Callback) error

	// Close stops a running source.
	Close() error
}

package provider

import (
	"context"
	"errors"
)

var (
	// ErrUnknownModel means no registered backend serves the model id.
	ErrUnknownModel = errors.New("unknown model")

	// ErrUnknownBackend means an explicit backend prefix named no
	// registered backend.
	ErrUnknownBackend = errors.New("unknown backend")

	// ErrStreamClosed means Next was called after Close.
	ErrStreamClosed = errors.New("stream closed")
)

// Provider executes agent queries against one backend.
type Provider interface {
	// ExecuteQuery starts a query and returns its message stream. The
	// returned error covers only startup failures; everything after the
	// stream is established arrives through the Stream.
	ExecuteQuery(ctx context.Context, opts ExecuteOptions) (Stream, error)

	// DetectInstallation is a cheap, side-effect-free availability probe.
	DetectInstallation(ctx context.Context) InstallationStatus

	// AvailableModels lists the backend's model catalog.
	AvailableModels() []ModelDefinition

	// SupportsFeature reports whether the backend implements a capability.
	SupportsFeature(name Capability) bool
}

// Stream yields Messages until the query ends. Next returns io.EOF on clean
// completion; any other error ends the stream abnormally.
type Stream interface {
	Next(ctx context.Context) (Message, error)
	Close() error
}

package payload

import (
	"bytes"
	"context"
)

// Source yields the payload for one broadcast. received holds the bytes that triggered it;
// sources may ignore them. Returned slices are shared with other callers and must not be modified.
type Source interface {
	Fetch(ctx context.Context, received []byte) ([]byte, error)
	// Ready reports whether the source can currently serve fetches.
	Ready(ctx context.Context) error
	Name() string
}

// EchoSource relays the received bytes unchanged.
type EchoSource struct{}

func (EchoSource) Fetch(_ context.Context, received []byte) ([]byte, error) {
	return bytes.Clone(received), nil
}

func (EchoSource) Ready(context.Context) error { return nil }

func (EchoSource) Name() string { return "echo" }

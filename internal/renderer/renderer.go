// Package renderer defines the boundary to the external render engine.
// The engine is an opaque, long-running, single-shot call; the pipeline
// only sees the input payload going in and artifact bytes coming back,
// with cooperative progress callbacks along the way.
package renderer

import (
	"context"
	"encoding/json"
	"io"
)

// ProgressFunc receives render progress as a percentage in [0,100].
// Callbacks are best-effort and may be invoked from the streaming path.
type ProgressFunc func(pct int)

// Result carries the rendered artifact. Body must be closed by the
// caller; Size is -1 when the engine did not announce a length.
type Result struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
}

// Renderer turns an input payload into a video artifact.
type Renderer interface {
	Render(ctx context.Context, payload json.RawMessage, onProgress ProgressFunc) (*Result, error)
}

package headless

import (
	"context"
	"fmt"

	"github.com/JakeFAU/flowlens/internal/flow"
)

// Noop implements flow.Renderer for builds without a browser.
type Noop struct{}

// NewNoop creates a new Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// RenderHTML always reports the capability as unavailable.
func (Noop) RenderHTML(context.Context, string, flow.Device) (string, error) {
	return "", fmt.Errorf("headless renderer: %w", flow.ErrUnavailable)
}

// Capture always reports the capability as unavailable.
func (Noop) Capture(context.Context, string, flow.Device, bool) ([]byte, error) {
	return nil, fmt.Errorf("headless renderer: %w", flow.ErrUnavailable)
}

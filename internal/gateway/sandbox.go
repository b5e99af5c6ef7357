package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
)

// SandboxGateway accepts every push without touching the network. It is
// the default in development and the double used by handler tests.
type SandboxGateway struct {
	mu    sync.Mutex
	calls []InitiateInput

	// FailNext makes the next Initiate return ErrUpstream.
	FailNext bool
}

func NewSandboxGateway() *SandboxGateway {
	return &SandboxGateway{}
}

func (g *SandboxGateway) Initiate(ctx context.Context, in InitiateInput) (InitiateResult, error) {
	_ = ctx

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.FailNext {
		g.FailNext = false
		return InitiateResult{}, ErrUpstream
	}

	g.calls = append(g.calls, in)
	ref := "ws_CO_" + ulid.Make().String()
	return InitiateResult{
		ProviderRef:     ref,
		MerchantRef:     fmt.Sprintf("sbx-%d", len(g.calls)),
		CustomerMessage: "Success. Request accepted for processing",
	}, nil
}

// Calls returns the inputs seen so far.
func (g *SandboxGateway) Calls() []InitiateInput {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]InitiateInput(nil), g.calls...)
}

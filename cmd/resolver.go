package cmd

import (
	"context"
	"errors"

	"github.com/sablefox/conduit/internal/apperr"
	"github.com/sablefox/conduit/internal/llm"
)

// unconfiguredResolver is the default gateway.AgentResolver: concrete LLM
// providers and tool hosts are external collaborators (§1), so
// conduitd ships no SDK wiring of its own. A deployment embeds conduitd
// as a library and supplies a real AgentResolver to gateway.NewServer
// instead of using this one; it exists so `conduitd serve` starts and
// degrades cleanly (every text_input fails with external_agent_error)
// rather than requiring provider credentials just to boot the gateway.
type unconfiguredResolver struct{}

func newUnconfiguredResolver() *unconfiguredResolver {
	return &unconfiguredResolver{}
}

func (unconfiguredResolver) Resolve(ctx context.Context, agentID string) (llm.Provider, llm.ToolHost, error) {
	return nil, nil, apperr.ExternalAgentError(errors.New("no agent provider configured for conduitd serve"))
}

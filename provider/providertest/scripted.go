// Package providertest offers a deterministic Provider test double,
// grounded on the teacher's adapters/modeltest.ScriptedModel.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentruntime/core/provider"
)

// Response configures one scripted Generate call.
type Response struct {
	Content string
	Err     error
}

// Scripted is a deterministic Provider that returns a fixed sequence of
// responses in order and errors once the script is exhausted.
type Scripted struct {
	mu        sync.Mutex
	index     int
	responses []Response
}

// New constructs a Scripted provider with the given response sequence.
func New(responses ...Response) *Scripted {
	cloned := make([]Response, len(responses))
	copy(cloned, responses)
	return &Scripted{responses: cloned}
}

var _ provider.Provider = (*Scripted)(nil)

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) Generate(_ context.Context, _ provider.GenerateRequest) (provider.GenerateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index >= len(s.responses) {
		return provider.GenerateResponse{}, fmt.Errorf("script exhausted at call %d", s.index+1)
	}
	current := s.responses[s.index]
	s.index++
	if current.Err != nil {
		return provider.GenerateResponse{}, current.Err
	}
	return provider.GenerateResponse{
		Content:      current.Content,
		FinishReason: "stop",
		Metrics:      provider.Metrics{Provider: "scripted"},
	}, nil
}

func (s *Scripted) Embed(context.Context, []string, string) (provider.EmbedResponse, error) {
	return provider.EmbedResponse{}, fmt.Errorf("scripted: embed not configured")
}

func (s *Scripted) Moderate(context.Context, string, string) (provider.ModerateResponse, error) {
	return provider.ModerateResponse{}, fmt.Errorf("scripted: moderate not configured")
}

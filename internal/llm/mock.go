package llm

import "context"

// MockClient is a test double for the oracle. Set the function fields to
// script responses; unset fields return empty strings.
type MockClient struct {
	CompleteFunc           func(ctx context.Context, prompt string) (string, error)
	CompleteWithSystemFunc func(ctx context.Context, systemPrompt, userPrompt string) (string, error)

	Calls int
}

func (m *MockClient) Complete(ctx context.Context, prompt string) (string, error) {
	m.Calls++
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, prompt)
	}
	return "", nil
}

func (m *MockClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	m.Calls++
	if m.CompleteWithSystemFunc != nil {
		return m.CompleteWithSystemFunc(ctx, systemPrompt, userPrompt)
	}
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, userPrompt)
	}
	return "", nil
}

package provider

import "context"

// StubClient is a scriptable client for tests. Each call consumes the next
// queued completion or failure.
type StubClient struct {
	Completions []Completion
	Failures    []error
	// Requests records every request received, for assertions.
	Requests []Request
}

func NewStubClient(completions ...Completion) *StubClient {
	return &StubClient{Completions: completions}
}

// FailWith queues a failure to be returned before any completions.
func (s *StubClient) FailWith(err error) *StubClient {
	s.Failures = append(s.Failures, err)
	return s
}

var _ Client = (*StubClient)(nil)

func (s *StubClient) Name() string {
	return "stub"
}

func (s *StubClient) next() (*Completion, error) {
	if len(s.Failures) > 0 {
		err := s.Failures[0]
		s.Failures = s.Failures[1:]
		return nil, err
	}
	if len(s.Completions) == 0 {
		return &Completion{Text: "ok", Model: "stub-model"}, nil
	}
	completion := s.Completions[0]
	s.Completions = s.Completions[1:]
	return &completion, nil
}

func (s *StubClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(s.Name(), err)
	}
	s.Requests = append(s.Requests, req)
	return s.next()
}

func (s *StubClient) Stream(ctx context.Context, req Request, fn func(Chunk) error) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(s.Name(), err)
	}
	s.Requests = append(s.Requests, req)
	completion, err := s.next()
	if err != nil {
		return nil, err
	}
	// Deliver the text a word at a time to exercise accumulation.
	start := 0
	for i := 0; i <= len(completion.Text); i++ {
		if i == len(completion.Text) || completion.Text[i] == ' ' {
			end := i
			if end < len(completion.Text) {
				end++ // keep the separator with the chunk
			}
			if end > start {
				if err := fn(Chunk{Text: completion.Text[start:end]}); err != nil {
					return nil, err
				}
			}
			start = end
		}
	}
	return completion, nil
}

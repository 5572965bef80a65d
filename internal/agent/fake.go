package agent

import "context"

// Fake is a test double implementing Invoker. Invocations lets a test capture
// what the run engine passed in; Outcome/Err control what Invoke returns.
// It is a fake, not a mock: it has real (if trivial) behaviour rather than
// pre-programmed expectations.
type Fake struct {
	Outcome string
	Err     error

	Invocations []Invocation
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	f.Invocations = append(f.Invocations, inv)

	select {
	case <-ctx.Done():
		return Result{Outcome: "error", Error: "cancelled"}, ctx.Err()
	default:
	}

	if f.Err != nil {
		return Result{Outcome: "error", Error: f.Err.Error()}, f.Err
	}
	outcome := f.Outcome
	if outcome == "" {
		outcome = "useful"
	}
	return Result{Outcome: outcome}, nil
}

package cmdexec

import (
	"context"
	"os/exec"
	"strings"
	"sync"
)

// Call records one invocation observed by a Fake.
type Call struct {
	Name string
	Args []string
	Opts RunOptions
}

// Fake is a scripted Runner for tests. Responses are matched by command
// name plus joined args prefix; unmatched commands succeed with empty
// output unless DefaultErr is set.
type Fake struct {
	mu         sync.Mutex
	Calls      []Call
	Responses  map[string]FakeResponse
	Missing    map[string]bool // LookPath failures by name
	DefaultErr error
}

type FakeResponse struct {
	Out Output
	Err error
}

func NewFake() *Fake {
	return &Fake{Responses: map[string]FakeResponse{}, Missing: map[string]bool{}}
}

// Respond scripts the result of any command whose "name args..." string
// starts with pattern.
func (f *Fake) Respond(pattern string, out Output, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Responses[pattern] = FakeResponse{Out: out, Err: err}
}

func (f *Fake) Run(_ context.Context, name string, args []string, opts RunOptions) (Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Name: name, Args: append([]string(nil), args...), Opts: opts})
	full := strings.TrimSpace(name + " " + strings.Join(args, " "))
	best := ""
	for pattern := range f.Responses {
		if strings.HasPrefix(full, pattern) && len(pattern) > len(best) {
			best = pattern
		}
	}
	if best != "" {
		resp := f.Responses[best]
		return resp.Out, resp.Err
	}
	return Output{}, f.DefaultErr
}

func (f *Fake) LookPath(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Missing[name] {
		return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
	}
	return name, nil
}

// CallsFor returns the recorded invocations of name.
func (f *Fake) CallsFor(name string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.Calls {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Package sandboxtest provides an in-memory sandbox.Provider for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/edvin/edgedeploy/internal/sandbox"
)

// FakeProvider is an in-memory Provider. Commands are answered from
// Responses by prefix match; files written are kept in Files, keyed by
// their absolute path inside the sandbox.
type FakeProvider struct {
	mu sync.Mutex

	CreateErr    error
	TerminateErr error
	// WriteErr fails writes of the listed paths.
	WriteErr map[string]error
	// Responses maps a command prefix to its result.
	Responses map[string]sandbox.ExecResult
	// Produces maps a command prefix to a file the command creates.
	Produces map[string]string

	Files      map[string][]byte
	Commands   []string
	Created    []sandbox.Spec
	Terminated []string
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		WriteErr:  map[string]error{},
		Responses: map[string]sandbox.ExecResult{},
		Produces:  map[string]string{},
		Files:     map[string][]byte{},
	}
}

func (f *FakeProvider) Name() string { return "fake" }

func (f *FakeProvider) Create(_ context.Context, spec sandbox.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.Created = append(f.Created, spec)
	return fmt.Sprintf("sbx-%d", len(f.Created)), nil
}

func (f *FakeProvider) Connect(_ context.Context, id string) (*sandbox.Handle, error) {
	return &sandbox.Handle{ID: id, Provider: f.Name(), Workdir: sandbox.DefaultWorkdir}, nil
}

func (f *FakeProvider) Exec(ctx context.Context, h *sandbox.Handle, cmd string, _ map[string]string) (*sandbox.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.Commands = append(f.Commands, cmd)

	res := sandbox.ExecResult{}
	if prefix := longestPrefix(cmd, f.Responses); prefix != "" {
		res = f.Responses[prefix]
	}
	if prefix := longestPrefix(cmd, f.Produces); prefix != "" && res.ExitCode == 0 {
		f.Files[abs(h.Workdir, f.Produces[prefix])] = []byte("generated")
	}
	return &res, nil
}

func (f *FakeProvider) WriteFile(_ context.Context, h *sandbox.Handle, p string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.WriteErr[p]; ok {
		return err
	}
	f.Files[abs(h.Workdir, p)] = content
	return nil
}

func (f *FakeProvider) FileExists(_ context.Context, h *sandbox.Handle, p string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.Files[abs(h.Workdir, p)]
	return ok, nil
}

func (f *FakeProvider) Terminate(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Terminated = append(f.Terminated, id)
	return f.TerminateErr
}

func abs(workdir, p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(workdir, p)
}

func longestPrefix[V any](cmd string, m map[string]V) string {
	best := ""
	for prefix := range m {
		if strings.HasPrefix(cmd, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	return best
}

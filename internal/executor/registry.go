// Package executor maps executor kind tags to worker launch specifications.
package executor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/tradejs/errs"
	"github.com/coachpo/tradejs/internal/worker"
)

const (
	KindBuiltin = "builtin"
	KindCustom  = "custom"

	// ScriptFlag carries the custom executor script path to the built-in worker.
	ScriptFlag = "--ea"

	customEntry = "index.js"
)

var (
	ErrKindExists  = errors.New("executor kind already registered")
	ErrUnknownKind = errors.New("executor kind not registered")
)

// Request is the per-create input to a factory.
type Request struct {
	ID        string
	Symbol    string
	Type      string
	EA        string
	TimeFrame string
	Options   map[string]any
}

// InitOptions is the payload delivered to a worker in its init handshake.
type InitOptions struct {
	ID        string         `json:"id"`
	Symbol    string         `json:"symbol"`
	Type      string         `json:"type"`
	TimeFrame string         `json:"timeFrame"`
	EA        string         `json:"ea,omitempty"`
	Script    string         `json:"script,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// Factory produces a launch spec for one instrument.
type Factory func(req Request) (worker.LaunchSpec, error)

// Config locates the executables and custom executor modules.
type Config struct {
	// Executable is the built-in instrument worker binary.
	Executable string
	Args       []string
	// CustomDir holds custom executors under ea/<name>/index.js.
	CustomDir string
}

// Registry resolves executor kinds. Safe for concurrent use.
type Registry struct {
	cfg Config

	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the builtin and custom kinds registered.
func NewRegistry(cfg Config) *Registry {
	r := &Registry{cfg: cfg, factories: make(map[string]Factory)}
	r.factories[KindBuiltin] = r.builtin
	r.factories[KindCustom] = r.custom
	return r
}

// Register adds a factory for kind.
func (r *Registry) Register(kind string, factory Factory) error {
	kind = strings.TrimSpace(kind)
	if kind == "" || factory == nil {
		return fmt.Errorf("executor: kind and factory required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("%w: %s", ErrKindExists, kind)
	}
	r.factories[kind] = factory
	return nil
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Resolve picks the factory for req and builds its launch spec.
// A named EA selects the custom kind, then a factory registered under req.Type,
// then the builtin kind.
func (r *Registry) Resolve(req Request) (worker.LaunchSpec, error) {
	kind := KindBuiltin
	r.mu.RLock()
	switch {
	case strings.TrimSpace(req.EA) != "":
		kind = KindCustom
	case req.Type != "":
		if _, ok := r.factories[req.Type]; ok {
			kind = req.Type
		}
	}
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return worker.LaunchSpec{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	spec, err := factory(req)
	if err != nil {
		return worker.LaunchSpec{}, err
	}
	if spec.Kind == "" {
		spec.Kind = kind
	}
	return spec, nil
}

func (r *Registry) builtin(req Request) (worker.LaunchSpec, error) {
	return worker.LaunchSpec{
		Kind:       KindBuiltin,
		Executable: r.cfg.Executable,
		Args:       append([]string(nil), r.cfg.Args...),
		Options:    initOptions(req, ""),
	}, nil
}

func (r *Registry) custom(req Request) (worker.LaunchSpec, error) {
	name := strings.TrimSpace(req.EA)
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return worker.LaunchSpec{}, errs.New("executor/custom", errs.CodeInvalidSpec,
			errs.WithInstrument(req.ID),
			errs.WithMessage(fmt.Sprintf("invalid executor name %q", req.EA)))
	}
	script := filepath.Join(r.cfg.CustomDir, "ea", name, customEntry)
	info, err := os.Stat(script)
	if err != nil || info.IsDir() {
		return worker.LaunchSpec{}, errs.New("executor/custom", errs.CodeInvalidSpec,
			errs.WithInstrument(req.ID),
			errs.WithMessage(fmt.Sprintf("custom executor %q not found", name)),
			errs.WithField("path", script),
			errs.WithCause(err))
	}
	args := append([]string(nil), r.cfg.Args...)
	args = append(args, ScriptFlag, script)
	return worker.LaunchSpec{
		Kind:       KindCustom,
		Executable: r.cfg.Executable,
		Args:       args,
		Options:    initOptions(req, script),
	}, nil
}

func initOptions(req Request, script string) InitOptions {
	return InitOptions{
		ID:        req.ID,
		Symbol:    req.Symbol,
		Type:      req.Type,
		TimeFrame: req.TimeFrame,
		EA:        req.EA,
		Script:    script,
		Options:   req.Options,
	}
}

// Package indicator holds the indicator option catalogue and the series math used by instrument workers.
package indicator

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tradejs/errs"
)

//go:embed catalogue/*.json
var catalogueFS embed.FS

// Input describes one configurable indicator option.
type Input struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Default any      `json:"default,omitempty"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Values  []string `json:"values,omitempty"`
}

// Output describes one plotted series.
type Output struct {
	Name  string   `json:"name"`
	Color string   `json:"color,omitempty"`
	Min   *float64 `json:"min,omitempty"`
	Max   *float64 `json:"max,omitempty"`
}

// Config is the catalogue entry for one indicator.
type Config struct {
	Name    string   `json:"name"`
	Title   string   `json:"title"`
	Overlay bool     `json:"overlay"`
	Inputs  []Input  `json:"inputs"`
	Outputs []Output `json:"outputs"`
}

// Defaults returns the default value of every input.
func (c Config) Defaults() map[string]any {
	out := make(map[string]any, len(c.Inputs))
	for _, in := range c.Inputs {
		if in.Default != nil {
			out[in.Name] = in.Default
		}
	}
	return out
}

// Catalogue is an immutable set of indicator configs keyed by upper-cased name.
type Catalogue struct {
	entries map[string]Config
}

var (
	defaultOnce sync.Once
	defaultCat  *Catalogue
	defaultErr  error
)

// Default returns the embedded catalogue.
func Default() (*Catalogue, error) {
	defaultOnce.Do(func() {
		defaultCat, defaultErr = Load(catalogueFS, "catalogue")
	})
	return defaultCat, defaultErr
}

// Load reads every *.json file in dir of fsys.
func Load(fsys fs.FS, dir string) (*Catalogue, error) {
	files, err := fs.Glob(fsys, path.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("indicator: glob catalogue: %w", err)
	}
	cat := &Catalogue{entries: make(map[string]Config, len(files))}
	for _, file := range files {
		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("indicator: read %s: %w", file, err)
		}
		var cfg Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("indicator: decode %s: %w", file, err)
		}
		key := normaliseName(cfg.Name)
		if key == "" {
			return nil, fmt.Errorf("indicator: %s has no name", file)
		}
		if _, dup := cat.entries[key]; dup {
			return nil, fmt.Errorf("indicator: duplicate entry %s", cfg.Name)
		}
		cat.entries[key] = cfg
	}
	return cat, nil
}

// Lookup returns the config for name. Unknown names fail with CodeUnknownIndicator.
func (c *Catalogue) Lookup(name string) (Config, error) {
	if c != nil {
		if cfg, ok := c.entries[normaliseName(name)]; ok {
			return cfg, nil
		}
	}
	return Config{}, errs.New("indicator/lookup", errs.CodeUnknownIndicator,
		errs.WithMessage(fmt.Sprintf("no indicator named %q", name)))
}

// Names lists catalogue entries in sorted order.
func (c *Catalogue) Names() []string {
	names := make([]string, 0, len(c.entries))
	for _, cfg := range c.entries {
		names = append(names, cfg.Name)
	}
	sort.Strings(names)
	return names
}

func normaliseName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

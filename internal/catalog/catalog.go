// Package catalog holds the pool of daily missions and picks today's target
// for each mission type.
package catalog

import (
	_ "embed"
	"errors"
	"hash/fnv"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/mission-council/internal/model"
)

//go:embed default.yaml
var defaultCatalog []byte

// ErrUnknownAnswer is returned when an override names no catalog entry.
var ErrUnknownAnswer = eris.New("catalog: unknown answer")

// Entry is one candidate mission target.
type Entry struct {
	Answer     string `yaml:"answer"`
	Hint       string `yaml:"hint"`
	Definition string `yaml:"definition,omitempty"`
}

// Catalog lists the candidate targets per mission type.
type Catalog struct {
	Location   []Entry `yaml:"location"`
	Atmosphere []Entry `yaml:"atmosphere"`
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(err)
	}
	return c
}

// Load reads a catalog file. A missing file falls back to the built-in
// catalog.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrap(err, "catalog: parse yaml")
	}
	for _, t := range []model.MissionType{model.MissionTypeLocation, model.MissionTypeAtmosphere} {
		entries := c.Entries(t)
		if len(entries) == 0 {
			return nil, eris.Errorf("catalog: no %s missions", t)
		}
		for i, e := range entries {
			if strings.TrimSpace(e.Answer) == "" {
				return nil, eris.Errorf("catalog: %s entry %d has no answer", t, i)
			}
		}
	}
	return &c, nil
}

// Entries returns the candidates for a mission type.
func (c *Catalog) Entries(t model.MissionType) []Entry {
	if t == model.MissionTypeAtmosphere {
		return c.Atmosphere
	}
	return c.Location
}

// Today returns the target for the given day. A non-empty override selects
// the entry with that answer instead. The pick depends only on the calendar
// date and mission type, so every replica agrees without shared state.
func (c *Catalog) Today(day time.Time, t model.MissionType, override string) (Entry, error) {
	entries := c.Entries(t)
	if override != "" {
		want := normalize(override)
		for _, e := range entries {
			if normalize(e.Answer) == want {
				return e, nil
			}
		}
		return Entry{}, eris.Wrapf(ErrUnknownAnswer, "%s %q", t, override)
	}
	if len(entries) == 0 {
		return Entry{}, eris.Errorf("catalog: no %s missions", t)
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(day.Format("2006-01-02") + "|" + string(t)))
	return entries[h.Sum32()%uint32(len(entries))], nil
}

// Definitions maps each atmosphere answer to its visual definition.
func (c *Catalog) Definitions() map[string]string {
	out := make(map[string]string, len(c.Atmosphere))
	for _, e := range c.Atmosphere {
		if e.Definition != "" {
			out[e.Answer] = e.Definition
		}
	}
	return out
}

func normalize(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

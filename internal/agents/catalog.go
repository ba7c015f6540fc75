package agents

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed seed/*.yaml
var seedFS embed.FS

// SeedCatalog holds the destination knowledge the researcher draws from.
type SeedCatalog struct {
	Destinations map[string]SeedDestination
}

// SeedDestination is one destination's curated activity list.
type SeedDestination struct {
	Name       string         `yaml:"name"`
	Activities []SeedActivity `yaml:"activities"`
}

// SeedActivity is one curated activity entry.
type SeedActivity struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Category    string   `yaml:"category"`
	Cost        float64  `yaml:"cost"`
	DurationMin int      `yaml:"duration_min"`
	Tags        []string `yaml:"tags"`
}

type seedFile struct {
	Destinations []SeedDestination `yaml:"destinations"`
}

// DefaultSeed loads the catalog shipped with the binary.
func DefaultSeed() (*SeedCatalog, error) {
	c := &SeedCatalog{Destinations: make(map[string]SeedDestination)}
	entries, err := seedFS.ReadDir("seed")
	if err != nil {
		return nil, fmt.Errorf("reading embedded seed: %w", err)
	}
	for _, e := range entries {
		data, err := seedFS.ReadFile("seed/" + e.Name())
		if err != nil {
			return nil, err
		}
		if err := c.merge(data); err != nil {
			return nil, fmt.Errorf("parsing embedded %s: %w", e.Name(), err)
		}
	}
	return c, nil
}

// LoadSeedDir loads every .yaml/.yml file in dir on top of the default seed.
// Operator-provided destinations shadow embedded ones by name.
func LoadSeedDir(dir string) (*SeedCatalog, error) {
	c, err := DefaultSeed()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading catalog dir: %w", err)
	}
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if err := c.merge(data); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", e.Name(), err)
		}
	}
	return c, nil
}

func (c *SeedCatalog) merge(data []byte) error {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return err
	}
	for _, d := range f.Destinations {
		if d.Name == "" {
			continue
		}
		c.Destinations[normalize(d.Name)] = d
	}
	return nil
}

// Lookup finds a destination by case-insensitive name. Missing destinations
// fall back to the lexicographically first seeded one so the workflow always
// has something to vote on.
func (c *SeedCatalog) Lookup(name string) (SeedDestination, bool) {
	if d, ok := c.Destinations[normalize(name)]; ok {
		return d, true
	}
	keys := make([]string, 0, len(c.Destinations))
	for k := range c.Destinations {
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return SeedDestination{}, false
	}
	sort.Strings(keys)
	return c.Destinations[keys[0]], false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Package catalog provides the ordered dataset lists that define each
// collection's output columns, the collection identities themselves, and
// the registry of ragged (flat buffer plus start/count) datasets.
package catalog

import (
	"bufio"
	"embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gedi-geoparquet/gedi-geoparquet/pkg/types"
)

//go:embed catalogs/*.txt
var defaults embed.FS

// Catalog is an ordered set of dataset paths for one collection.
type Catalog struct {
	Collection Collection
	Paths      []types.DatasetPath
}

// Parse reads one path per line. Blank lines and lines starting with '#'
// are skipped; surrounding whitespace and slashes are trimmed. A path listed
// twice is an error.
func Parse(r io.Reader) ([]types.DatasetPath, error) {
	var paths []types.DatasetPath
	seen := make(map[types.DatasetPath]int)

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		p := types.DatasetPath(strings.Trim(text, "/"))
		if first, dup := seen[p]; dup {
			return nil, fmt.Errorf("catalog: line %d: %s already listed on line %d", line, p, first)
		}
		seen[p] = line
		paths = append(paths, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("catalog: read: %w", err)
	}
	return paths, nil
}

// ReadFile parses a catalog file.
func ReadFile(path string) ([]types.DatasetPath, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	defer f.Close()
	paths, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return paths, nil
}

// Default returns the built-in catalog for a collection.
func Default(c Collection) (*Catalog, error) {
	data, err := defaults.ReadFile("catalogs/" + strings.ToLower(string(c)) + ".txt")
	if err != nil {
		return nil, fmt.Errorf("catalog: no built-in catalog for %s", c)
	}
	paths, err := Parse(strings.NewReader(string(data)))
	if err != nil {
		return nil, err
	}
	return &Catalog{Collection: c, Paths: paths}, nil
}

// Load returns the catalog for a collection, reading dir/<collection>.txt
// when dir is set and falling back to the built-in list.
func Load(c Collection, dir string) (*Catalog, error) {
	if dir != "" {
		p := filepath.Join(dir, strings.ToLower(string(c))+".txt")
		if _, err := os.Stat(p); err == nil {
			paths, err := ReadFile(p)
			if err != nil {
				return nil, err
			}
			return &Catalog{Collection: c, Paths: paths}, nil
		}
	}
	return Default(c)
}

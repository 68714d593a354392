package catalog

import (
	"errors"
	"fmt"

	gerrors "github.com/gedi-geoparquet/gedi-geoparquet/internal/errors"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/h5"
	"github.com/gedi-geoparquet/gedi-geoparquet/pkg/types"
)

// Collection is one of the supported data products.
type Collection string

const (
	L2A Collection = "L2A"
	L2B Collection = "L2B"
	L4A Collection = "L4A"
	L4C Collection = "L4C"
)

// Collections lists every supported collection in join order.
var Collections = []Collection{L2A, L2B, L4A, L4C}

// shortNames maps the root short_name attribute to a collection. L4C
// granules carry either of two names.
var shortNames = map[string]Collection{
	"GEDI_L2A":  L2A,
	"GEDI_L2B":  L2B,
	"GEDI_L4A":  L4A,
	"GEDI_WSCI": L4C,
	"GEDI04_C":  L4C,
}

// ParseCollection validates a collection label such as "L4A".
func ParseCollection(s string) (Collection, error) {
	for _, c := range Collections {
		if string(c) == s {
			return c, nil
		}
	}
	return "", gerrors.New(gerrors.ErrCategorySchema, gerrors.CodeUnknownCollection,
		fmt.Sprintf("unknown collection %q", s))
}

// FromShortName maps a short_name attribute value to its collection.
func FromShortName(name string) (Collection, error) {
	if c, ok := shortNames[name]; ok {
		return c, nil
	}
	return "", gerrors.New(gerrors.ErrCategorySchema, gerrors.CodeUnknownCollection,
		fmt.Sprintf("no collection for short_name %q", name))
}

// Identify determines a granule's collection from its short_name root
// attribute, falling back to the product encoded in the file name.
func Identify(f h5.File) (Collection, error) {
	a, err := f.Attribute("short_name")
	switch {
	case err == nil:
		if s, ok := a.Value.(string); ok {
			return FromShortName(s)
		}
	case !errors.Is(err, h5.ErrNotFound):
		return "", fmt.Errorf("catalog: read short_name: %w", err)
	}
	id, err := types.ParseGranuleID(f.Name())
	if err != nil {
		return "", gerrors.New(gerrors.ErrCategorySchema, gerrors.CodeUnknownCollection,
			fmt.Sprintf("cannot identify collection of %s", f.Name()))
	}
	return ParseCollection(id.Product)
}

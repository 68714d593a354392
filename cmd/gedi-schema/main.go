// Package main implements gedi-schema, which derives a collection's schema
// artifact from one sample granule.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/gedi-geoparquet/gedi-geoparquet/internal/catalog"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/h5/hdf5file"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/schema"
	"github.com/gedi-geoparquet/gedi-geoparquet/pkg/types"
)

func main() {
	var (
		input         string
		collection    string
		catalogFile   string
		catalogDir    string
		output        string
		skipUnchanged bool
	)

	flag.StringVar(&input, "input", "", "Sample granule (HDF5)")
	flag.StringVar(&collection, "collection", "", "Collection (L2A, L2B, L4A, L4C); identified from the granule when empty")
	flag.StringVar(&catalogFile, "catalog", "", "Catalog file listing one dataset path per line")
	flag.StringVar(&catalogDir, "catalog-dir", "", "Directory of <collection>.txt catalogs overriding the built-in ones")
	flag.StringVar(&output, "output", "", "Artifact path (default <collection>.arrows)")
	flag.BoolVar(&skipUnchanged, "skip-unchanged", false, "Leave an identical existing artifact untouched")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: gedi-schema -input GRANULE.h5 [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if input == "" {
		flag.Usage()
		os.Exit(2)
	}

	f, err := hdf5file.Open(input)
	if err != nil {
		log.Fatalf("Failed to open granule: %v", err)
	}
	defer f.Close()

	var coll catalog.Collection
	if collection != "" {
		coll, err = catalog.ParseCollection(collection)
	} else {
		coll, err = catalog.Identify(f)
	}
	if err != nil {
		log.Fatalf("Failed to determine collection: %v", err)
	}

	var paths []types.DatasetPath
	if catalogFile != "" {
		paths, err = catalog.ReadFile(catalogFile)
	} else {
		var cat *catalog.Catalog
		cat, err = catalog.Load(coll, catalogDir)
		if cat != nil {
			paths = cat.Paths
		}
	}
	if err != nil {
		log.Fatalf("Failed to load catalog: %v", err)
	}

	s, err := schema.NewBuilder(schema.BuildOptions{Collection: coll}).Build(f, paths)
	if err != nil {
		log.Fatalf("Failed to build schema: %v", err)
	}

	if output == "" {
		output = string(coll) + schema.ArtifactExt
	}
	written, err := schema.WriteArtifact(output, s, skipUnchanged)
	if err != nil {
		log.Fatalf("Failed to write schema: %v", err)
	}
	if written {
		log.Printf("Wrote %s schema (%d fields) to %s", coll, len(s.Fields()), output)
	} else {
		log.Printf("%s is unchanged", filepath.Base(output))
	}
}

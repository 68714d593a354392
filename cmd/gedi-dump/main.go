// Package main implements gedi-dump, which prints the schema of an artifact
// or a GeoParquet file.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/gedi-geoparquet/gedi-geoparquet/internal/schema"
)

func main() {
	var opts schema.DumpOptions

	flag.BoolVar(&opts.FieldMetadata, "field-metadata", false, "Print field metadata")
	flag.BoolVar(&opts.SchemaMetadata, "schema-metadata", false, "Print schema metadata and the GeoParquet footer")
	flag.IntVar(&opts.Truncate, "truncate", 0, "Truncate metadata values to this many bytes (0 prints them in full)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: gedi-dump [options] FILE...\n\n")
		fmt.Fprintf(os.Stderr, "FILE is a schema artifact or a .parquet file.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	for i, path := range flag.Args() {
		src, err := schema.Inspect(path)
		if err != nil {
			log.Fatalf("Failed to read %s: %v", path, err)
		}
		if flag.NArg() > 1 {
			if i > 0 {
				fmt.Println()
			}
			fmt.Printf("== %s\n", path)
		}
		if err := schema.Dump(os.Stdout, src, opts); err != nil {
			log.Fatalf("Failed to print %s: %v", path, err)
		}
	}
}

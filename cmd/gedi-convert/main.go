// Package main implements gedi-convert, which converts one granule to
// GeoParquet using a schema artifact.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gedi-geoparquet/gedi-geoparquet/internal/geoparquet"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/granule"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/h5/hdf5file"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/schema"
)

func main() {
	var (
		input       string
		schemaPath  string
		outputDir   string
		compression string
		level       int
		rowGroup    int64
		encoding    string
		chunkRows   int
		prefetch    bool
	)

	flag.StringVar(&input, "input", "", "Granule to convert (HDF5)")
	flag.StringVar(&schemaPath, "schema", "", "Schema artifact produced by gedi-schema")
	flag.StringVar(&outputDir, "output-dir", ".", "Directory receiving the GeoParquet file")
	flag.StringVar(&compression, "compression", geoparquet.DefaultCompression, "Compression codec: none, snappy, gzip, zstd, lz4, brotli")
	flag.IntVar(&level, "level", 0, "Compression level (0 uses the codec default)")
	flag.Int64Var(&rowGroup, "row-group", 0, "Maximum rows per row group (0 for one row group per batch)")
	flag.StringVar(&encoding, "encoding", "point", "Geometry encoding: point or wkb")
	flag.IntVar(&chunkRows, "chunk-rows", granule.DefaultChunkRows, "Maximum rows per record batch")
	flag.BoolVar(&prefetch, "prefetch", true, "Read the next batch while writing the previous one")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: gedi-convert -input GRANULE.h5 -schema L2A.arrows [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if input == "" || schemaPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	enc, err := geoparquet.ParseEncoding(encoding)
	if err != nil {
		log.Fatalf("Invalid encoding: %v", err)
	}
	opts := geoparquet.Options{
		Compression:       compression,
		Level:             level,
		MaxRowGroupLength: rowGroup,
		Encoding:          enc,
	}
	if err := opts.Validate(); err != nil {
		log.Fatalf("Invalid writer options: %v", err)
	}

	s, err := schema.ReadArtifact(schemaPath)
	if err != nil {
		log.Fatalf("Failed to read schema: %v", err)
	}

	f, err := hdf5file.Open(input)
	if err != nil {
		log.Fatalf("Failed to open granule: %v", err)
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dest := filepath.Join(outputDir, geoparquet.OutputName(input, opts))
	res, err := geoparquet.Convert(ctx, f, s, dest, geoparquet.ConvertOptions{
		Writer:   opts,
		Granule:  granule.Options{ChunkRows: chunkRows},
		Prefetch: prefetch,
	})
	if err != nil {
		f.Close()
		log.Fatalf("Conversion failed: %v", err)
	}
	log.Printf("Converted %s: %d rows in %d batches", filepath.Base(input), res.Rows, res.Batches)
}

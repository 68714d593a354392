// Package main implements gedi-join, which joins converted GeoParquet files
// on shot_number.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gedi-geoparquet/gedi-geoparquet/internal/geoparquet"
	"github.com/gedi-geoparquet/gedi-geoparquet/internal/join"
)

func main() {
	var (
		output        string
		workDir       string
		partitions    int
		bloomFPR      float64
		batchRows     int64
		compression   string
		level         int
		qualityFilter bool
	)

	flag.StringVar(&output, "output", "", "Joined GeoParquet file")
	flag.StringVar(&workDir, "work-dir", "", "Directory for partition files (default system temp)")
	flag.IntVar(&partitions, "partitions", join.DefaultPartitions, "Number of hash partitions")
	flag.Float64Var(&bloomFPR, "bloom-fpr", join.DefaultBloomFPR, "Key filter false positive rate (negative disables)")
	flag.Int64Var(&batchRows, "batch-rows", join.DefaultBatchRows, "Rows read per batch")
	flag.StringVar(&compression, "compression", geoparquet.DefaultCompression, "Compression codec")
	flag.IntVar(&level, "level", join.DefaultLevel, "Compression level")
	flag.BoolVar(&qualityFilter, "quality-filter", false, "Keep only shots passing the quality screen")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: gedi-join -output JOINED.parquet INPUT.parquet INPUT.parquet...\n\n")
		fmt.Fprintf(os.Stderr, "Inputs are joined on shot_number in the given order; for columns\n")
		fmt.Fprintf(os.Stderr, "present in several inputs the leftmost one is kept.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if output == "" {
		flag.Usage()
		os.Exit(2)
	}
	inputs := flag.Args()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	j := join.New(join.Options{
		WorkDir:       workDir,
		Partitions:    partitions,
		BloomFPR:      bloomFPR,
		BatchRows:     batchRows,
		Writer:        geoparquet.Options{Compression: compression, Level: level},
		QualityFilter: qualityFilter,
	})
	res, err := j.Join(ctx, inputs, output)
	if err != nil {
		stop()
		log.Fatalf("Join failed: %v", err)
	}
	log.Printf("Joined %d inputs into %s: %d rows", res.Inputs, res.Path, res.Rows)
}

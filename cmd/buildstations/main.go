// Command buildstations reads a CSV mapping administrative region codes to
// CMA station IDs and writes it into the durable cache table the weather_cma
// adapter reads at startup (spec §4.1, §13). It is the teacher's
// cmd/genmock CSV-in, fixture-out convention, generalized from generating
// ETL/API JSON fixtures to building this engine's one offline lookup table.
//
// Usage:
//
//	go run ./cmd/buildstations -csv stations.csv -badger-path ./data/badger
//
// The CSV must have a header row with columns region_code,station_id.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/couchcryptid/geowarn-engine/internal/cache"
)

// stationMapTTL is effectively indefinite: the table only changes when this
// tool is rerun, and cache.Store's TTL semantics treat a zero duration as
// already-expired rather than forever.
const stationMapTTL = 100 * 365 * 24 * time.Hour

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	csvPath := flag.String("csv", "", "path to region_code,station_id CSV")
	badgerPath := flag.String("badger-path", "./data/badger", "durable cache path to write into")
	flag.Parse()

	if *csvPath == "" {
		flag.Usage()
		return fmt.Errorf("missing required flag: -csv")
	}

	byRegion, err := readStationCSV(*csvPath)
	if err != nil {
		return fmt.Errorf("read station csv: %w", err)
	}

	cacheStore, err := cache.Open(*badgerPath)
	if err != nil {
		return fmt.Errorf("open cache at %s: %w", *badgerPath, err)
	}
	defer cacheStore.Close()

	ctx := context.Background()
	if err := cache.SetJSON(ctx, cacheStore, cache.CMAStationMapKey, byRegion, stationMapTTL); err != nil {
		return fmt.Errorf("write station map: %w", err)
	}

	log.Printf("wrote %d region->station mappings to %s", len(byRegion), cache.CMAStationMapKey)
	return nil
}

func readStationCSV(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	regionCol, stationCol := -1, -1
	for i, name := range header {
		switch name {
		case "region_code":
			regionCol = i
		case "station_id":
			stationCol = i
		}
	}
	if regionCol == -1 || stationCol == -1 {
		return nil, fmt.Errorf("csv header missing region_code or station_id column")
	}

	byRegion := make(map[string]string)
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if row[regionCol] == "" || row[stationCol] == "" {
			continue
		}
		byRegion[row[regionCol]] = row[stationCol]
	}
	return byRegion, nil
}

// Command gengrid generates synthetic packed grid files and a matching
// index for local development and fixtures. It reads the same catalog the
// services use, so generated bands line up with the registered fields and
// grids.
//
// Usage:
//
//	go run ./cmd/gengrid \
//	  -catalog catalog.json \
//	  -out data/mock \
//	  -run 2026-08-27T12:00:00Z \
//	  -hours 6
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"gridpoint/internal/config"
	"gridpoint/internal/domain"
	"gridpoint/internal/grid"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

type indexEntry struct {
	RunTime time.Time `json:"run_time"`
	FileID  string    `json:"file_id"`
	URL     string    `json:"url"`
}

func run() error {
	catalogPath := flag.String("catalog", "catalog.json", "catalog file describing sources and grids")
	outDir := flag.String("out", "data/mock", "output directory for grid files and indexes")
	runStr := flag.String("run", "", "model run time, RFC 3339 (required)")
	hours := flag.Int("hours", 6, "forecast hours to generate per run")
	baseURL := flag.String("base-url", "http://localhost:9000", "URL prefix written into index entries")
	flag.Parse()

	if *runStr == "" {
		flag.Usage()
		return fmt.Errorf("missing required flag: -run")
	}
	runTime, err := time.Parse(time.RFC3339, *runStr)
	if err != nil {
		return fmt.Errorf("parse -run: %w", err)
	}
	runTime = runTime.UTC()

	catalog, err := config.LoadCatalog(*catalogPath)
	if err != nil {
		return err
	}

	for _, src := range catalog.Sources {
		if err := generateSource(src, *outDir, *baseURL, runTime, *hours); err != nil {
			return fmt.Errorf("source %s: %w", src.Name, err)
		}
	}
	return nil
}

// generateSource writes one packed file per forecast hour plus the source's
// index file.
func generateSource(src config.CatalogSource, outDir, baseURL string, runTime time.Time, hours int) error {
	proj, err := src.Grid.Projection()
	if err != nil {
		return err
	}
	nx, ny := proj.Size()

	dir := filepath.Join(outDir, src.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	shortNames := bandShortNames(src.Fields)
	var index []indexEntry

	for h := 0; h < hours; h++ {
		validTime := runTime.Add(time.Duration(h) * time.Hour)
		fileID := fmt.Sprintf("%s_%s_f%02d", src.Name, runTime.Format("2006010215"), h)

		var buf bytes.Buffer
		for i, sn := range shortNames {
			band := grid.Band{
				ShortName: sn.shortName,
				Level:     sn.level,
				RunTime:   runTime,
				ValidTime: validTime,
				NX:        nx,
				NY:        ny,
				Values:    synthesize(nx, ny, h, i),
			}
			if err := grid.EncodeBand(&buf, band, grid.Packing{DecScale: 2}); err != nil {
				return err
			}
		}

		path := filepath.Join(dir, fileID+".gpk")
		if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
			return err
		}
		log.Printf("wrote %s: %d bands, %d bytes", path, len(shortNames), buf.Len())

		index = append(index, indexEntry{
			RunTime: runTime,
			FileID:  fileID,
			URL:     fmt.Sprintf("%s/%s/%s.gpk", baseURL, src.Name, fileID),
		})
	}

	indexPath := filepath.Join(dir, "index.json")
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if err := os.WriteFile(indexPath, data, 0o600); err != nil {
		return err
	}
	log.Printf("wrote %s: %d entries", indexPath, len(index))
	return nil
}

type bandName struct {
	shortName string
	level     string
}

// bandShortNames expands the source's fields into the band names a real
// file would carry: scalar fields map one to one, derived fields
// contribute their input components instead.
func bandShortNames(fields []domain.SourceField) []bandName {
	seen := make(map[bandName]bool)
	var out []bandName
	add := func(b bandName) {
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	for _, f := range fields {
		if f.Transform.Derived() {
			for _, in := range f.Transform.Inputs {
				add(bandName{shortName: in, level: f.Level})
			}
			continue
		}
		add(bandName{shortName: f.ShortName, level: f.Level})
	}
	return out
}

// synthesize fills a band with a smooth spatial pattern that drifts with
// forecast hour, plus a sprinkling of missing cells so decoders see NaN
// handling in fixtures.
func synthesize(nx, ny, hour, seed int) []float64 {
	values := make([]float64, nx*ny)
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			i := y*nx + x
			if (x+y+seed)%97 == 0 {
				values[i] = math.NaN()
				continue
			}
			fx := float64(x) / float64(nx)
			fy := float64(y) / float64(ny)
			drift := float64(hour) * 0.4
			values[i] = 280 + 15*math.Sin(2*math.Pi*fx+drift) + 10*math.Cos(2*math.Pi*fy+float64(seed))
		}
	}
	return values
}

package client

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"slices"
	"strconv"
)

// Sample is one recorded position.
type Sample struct {
	Latitude  float64
	Longitude float64
}

// datasetItem matches the recorded route files, which carry coordinates as
// decimal strings.
type datasetItem struct {
	Lon string `json:"lon"`
	Lat string `json:"lat"`
}

// LoadDataset reads a JSON array of {"lon": "...", "lat": "..."} objects.
func LoadDataset(path string) ([]Sample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return ParseDataset(data)
}

func ParseDataset(data []byte) ([]Sample, error) {
	var items []datasetItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse dataset: %w", err)
	}
	samples := make([]Sample, 0, len(items))
	for i, it := range items {
		lat, err := strconv.ParseFloat(it.Lat, 64)
		if err != nil {
			return nil, fmt.Errorf("dataset item %d: lat %q: %w", i, it.Lat, err)
		}
		lon, err := strconv.ParseFloat(it.Lon, 64)
		if err != nil {
			return nil, fmt.Errorf("dataset item %d: lon %q: %w", i, it.Lon, err)
		}
		if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lon) || math.IsInf(lon, 0) {
			return nil, fmt.Errorf("dataset item %d: non-finite coordinate", i)
		}
		samples = append(samples, Sample{Latitude: lat, Longitude: lon})
	}
	return samples, nil
}

// reversed returns a reversed copy.
func reversed(samples []Sample) []Sample {
	out := slices.Clone(samples)
	slices.Reverse(out)
	return out
}

package geoparquet

import (
	"encoding/json"
	"fmt"
)

// MetadataKey is the Parquet footer key holding GeoParquet metadata.
const MetadataKey = "geo"

// Version is the GeoParquet specification version written.
const Version = "1.1.0"

// FileMetadata is the value stored under MetadataKey.
type FileMetadata struct {
	Version       string                    `json:"version"`
	PrimaryColumn string                    `json:"primary_column"`
	Columns       map[string]ColumnMetadata `json:"columns"`
}

// ColumnMetadata describes one geometry column.
type ColumnMetadata struct {
	Encoding      string          `json:"encoding"`
	GeometryTypes []string        `json:"geometry_types"`
	CRS           json.RawMessage `json:"crs,omitempty"`
	BBox          []float64       `json:"bbox,omitempty"`
}

// wgs84 is the PROJJSON definition of EPSG:4326.
const wgs84 = `{"$schema":"https://proj.org/schemas/v0.7/projjson.schema.json",` +
	`"type":"GeographicCRS","name":"WGS 84",` +
	`"datum":{"type":"GeodeticReferenceFrame","name":"World Geodetic System 1984",` +
	`"ellipsoid":{"name":"WGS 84","semi_major_axis":6378137,"inverse_flattening":298.257223563}},` +
	`"coordinate_system":{"subtype":"ellipsoidal","axis":[` +
	`{"name":"Geodetic latitude","abbreviation":"Lat","direction":"north","unit":"degree"},` +
	`{"name":"Geodetic longitude","abbreviation":"Lon","direction":"east","unit":"degree"}]},` +
	`"id":{"authority":"EPSG","code":4326}}`

func newFileMetadata(column string, enc Encoding, bbox []float64) FileMetadata {
	return FileMetadata{
		Version:       Version,
		PrimaryColumn: column,
		Columns: map[string]ColumnMetadata{
			column: {
				Encoding:      string(enc),
				GeometryTypes: []string{"Point"},
				CRS:           json.RawMessage(wgs84),
				BBox:          bbox,
			},
		},
	}
}

// ParseMetadata decodes a "geo" footer value.
func ParseMetadata(value string) (*FileMetadata, error) {
	var md FileMetadata
	if err := json.Unmarshal([]byte(value), &md); err != nil {
		return nil, fmt.Errorf("geoparquet: decode geo metadata: %w", err)
	}
	if _, ok := md.Columns[md.PrimaryColumn]; !ok {
		return nil, fmt.Errorf("geoparquet: primary column %q not described", md.PrimaryColumn)
	}
	return &md, nil
}

package types

import (
	"time"
)

// Index names shared by the entity stores.
const (
	IndexByForest     = "byForest"
	IndexByPlot       = "byPlot"
	IndexByTag        = "byTag"
	IndexByTree       = "byTree"
	IndexByPlotCensus = "byPlotCensus"
	IndexByTreeCensus = "byTreeCensus"
)

// Forest is the top-level census area.
type Forest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// Plot is a surveyed rectangle inside a forest.
type Plot struct {
	ID        string  `json:"id,omitempty"`
	ForestID  string  `json:"forest_id"`
	Number    int     `json:"number"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Length    float64 `json:"length,omitempty"`
	Width     float64 `json:"width,omitempty"`
}

// PlotCensus is one census campaign over a plot.
type PlotCensus struct {
	ID         string    `json:"id,omitempty"`
	PlotID     string    `json:"plot_id"`
	InProgress bool      `json:"in_progress"`
	Approved   bool      `json:"approved"`
	CreatedAt  time.Time `json:"created_at"`
}

// Tree is a tagged stem inside a plot.
type Tree struct {
	ID          string  `json:"id,omitempty"`
	PlotID      string  `json:"plot_id"`
	Tag         string  `json:"tag"`
	Number      int     `json:"number"`
	SpeciesCode string  `json:"species_code,omitempty"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

// TreeCensus is the measurement of one tree during one plot census.
type TreeCensus struct {
	ID           string   `json:"id,omitempty"`
	TreeID       string   `json:"tree_id"`
	PlotCensusID string   `json:"plot_census_id"`
	DBH          float64  `json:"dbh"` // diameter at breast height, cm
	Height       *float64 `json:"height,omitempty"`
	Flagged      bool     `json:"flagged"`
	Notes        string   `json:"notes,omitempty"`
}

// TreeCensusLabel attaches a condition label (e.g. "DEAD", "LEANING") to a tree census.
type TreeCensusLabel struct {
	ID           string `json:"id,omitempty"`
	TreeCensusID string `json:"tree_census_id"`
	LabelCode    string `json:"label_code"`
}

// TreePhoto references a photo taken during a tree census.
type TreePhoto struct {
	ID           string     `json:"id,omitempty"`
	TreeCensusID string     `json:"tree_census_id"`
	PhotoType    string     `json:"photo_type"`
	URL          string     `json:"url,omitempty"`
	CapturedAt   *time.Time `json:"captured_at,omitempty"`
}

// HealthResponse represents the health check response of the census backend.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	EntityCount int64  `json:"entity_count"`
}

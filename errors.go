package main

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by record stores when a record does not exist
var ErrNotFound = errors.New("record not found")

// Create steps of a new location
const (
	StepGeometry   = "geometry"
	StepProperties = "properties"
	StepFeature    = "feature"
)

// LookupInconsistencyError reports a geometry record that has no feature
// pointing at it. The vote is dropped and nothing is mutated.
type LookupInconsistencyError struct {
	Location   Point
	GeometryID string
}

func (e *LookupInconsistencyError) Error() string {
	return fmt.Sprintf("geometry %s at %s has no feature record", e.GeometryID, e.Location)
}

// PartialCreateError reports a failed create of a new location. Records
// created before the failing step are left in place and listed here.
type PartialCreateError struct {
	Step         string
	Location     Point
	GeometryID   string
	PropertiesID string
	Err          error
}

func (e *PartialCreateError) Error() string {
	created := e.CreatedIDs()
	if len(created) == 0 {
		return fmt.Sprintf("create %s record at %s: %v", e.Step, e.Location, e.Err)
	}
	return fmt.Sprintf("create %s record at %s (already created: %s): %v",
		e.Step, e.Location, strings.Join(created, ", "), e.Err)
}

func (e *PartialCreateError) Unwrap() error {
	return e.Err
}

// CreatedIDs lists the records that exist despite the failure as collection/id
func (e *PartialCreateError) CreatedIDs() []string {
	var ids []string
	if e.GeometryID != "" {
		ids = append(ids, CollectionGeometries+"/"+e.GeometryID)
	}
	if e.PropertiesID != "" {
		ids = append(ids, CollectionProperties+"/"+e.PropertiesID)
	}
	return ids
}

// EnrichmentFetchError reports a failed road-data query
type EnrichmentFetchError struct {
	Location Point
	Radius   float64
	Err      error
}

func (e *EnrichmentFetchError) Error() string {
	return fmt.Sprintf("fetch nearby roads at %s (radius %.0fm): %v", e.Location, e.Radius, e.Err)
}

func (e *EnrichmentFetchError) Unwrap() error {
	return e.Err
}

// EnrichmentPersistError summarizes failed way writes for one feature
type EnrichmentPersistError struct {
	FeatureID string
	Written   int
	Failed    int
	Errors    []WayPersistError
}

// WayPersistError is a single failed way write
type WayPersistError struct {
	WayID int64
	Err   error
}

func (e *EnrichmentPersistError) Error() string {
	msg := fmt.Sprintf("persist ways for feature %s: %d failed, %d written", e.FeatureID, e.Failed, e.Written)
	if len(e.Errors) > 0 {
		msg += fmt.Sprintf(" (first: way %d: %v)", e.Errors[0].WayID, e.Errors[0].Err)
	}
	return msg
}

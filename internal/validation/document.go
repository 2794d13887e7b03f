package validation

import (
	"math"
	"time"

	"github.com/hyperengineering/canopy/internal/types"
)

// Field length limits.
const (
	MaxNameLength  = 200
	MaxTagLength   = 32
	MaxCodeLength  = 32
	MaxNotesLength = 2000
	MaxURLLength   = 2048
)

type checkFunc func(field string, v any) *ValidationError

type rule struct {
	field    string
	required bool
	check    checkFunc
}

var rules = map[types.Kind][]rule{
	types.KindForest: {
		{field: "name", required: true, check: text(MaxNameLength)},
	},
	types.KindPlot: {
		{field: "forest_id", required: true, check: text(MaxNameLength)},
		{field: "number", check: count},
		{field: "latitude", check: number(-90, 90)},
		{field: "longitude", check: number(-180, 180)},
		{field: "length", check: nonNegative},
		{field: "width", check: nonNegative},
	},
	types.KindPlotCensus: {
		{field: "plot_id", required: true, check: text(MaxNameLength)},
		{field: "in_progress", check: boolean},
		{field: "approved", check: boolean},
		{field: "created_at", check: timestamp},
	},
	types.KindTree: {
		{field: "plot_id", required: true, check: text(MaxNameLength)},
		{field: "tag", required: true, check: text(MaxTagLength)},
		{field: "number", check: count},
		{field: "species_code", check: text(MaxCodeLength)},
		{field: "latitude", check: number(-90, 90)},
		{field: "longitude", check: number(-180, 180)},
	},
	types.KindTreeCensus: {
		{field: "tree_id", required: true, check: text(MaxNameLength)},
		{field: "plot_census_id", required: true, check: text(MaxNameLength)},
		{field: "dbh", check: nonNegative},
		{field: "height", check: nonNegative},
		{field: "flagged", check: boolean},
		{field: "notes", check: text(MaxNotesLength)},
	},
	types.KindTreeCensusLabel: {
		{field: "tree_census_id", required: true, check: text(MaxNameLength)},
		{field: "label_code", required: true, check: text(MaxCodeLength)},
	},
	types.KindTreePhoto: {
		{field: "tree_census_id", required: true, check: text(MaxNameLength)},
		{field: "photo_type", required: true, check: text(MaxCodeLength)},
		{field: "url", check: text(MaxURLLength)},
		{field: "captured_at", check: timestamp},
	},
}

// ValidateDocument checks a decoded entity body against the rules of its
// kind. With partial set (PATCH bodies) absent fields are not required,
// but a required field explicitly set to null or blank still fails.
// Fields without a rule pass through unchecked.
func ValidateDocument(kind types.Kind, doc map[string]any, partial bool) []ValidationError {
	var c Collector
	for _, r := range rules[kind] {
		v, present := doc[r.field]
		if !present {
			if r.required && !partial {
				c.Add(&ValidationError{Field: r.field, Message: "is required"})
			}
			continue
		}
		if v == nil {
			if r.required {
				c.Add(&ValidationError{Field: r.field, Message: "is required"})
			}
			continue
		}
		if err := r.check(r.field, v); err != nil {
			c.Add(err)
			continue
		}
		if s, ok := v.(string); ok && r.required {
			c.Add(ValidateRequired(r.field, s))
		}
	}
	return c.Errors()
}

func text(max int) checkFunc {
	return func(field string, v any) *ValidationError {
		s, ok := v.(string)
		if !ok {
			return &ValidationError{Field: field, Message: "must be a string"}
		}
		if err := ValidateUTF8(field, s); err != nil {
			return err
		}
		if err := ValidateNoNullBytes(field, s); err != nil {
			return err
		}
		return ValidateMaxLength(field, s, max)
	}
}

func number(min, max float64) checkFunc {
	return func(field string, v any) *ValidationError {
		f, ok := v.(float64)
		if !ok {
			return &ValidationError{Field: field, Message: "must be a number"}
		}
		return ValidateRange(field, f, min, max)
	}
}

func nonNegative(field string, v any) *ValidationError {
	f, ok := v.(float64)
	if !ok {
		return &ValidationError{Field: field, Message: "must be a number"}
	}
	return ValidateNonNegative(field, f)
}

// count accepts whole, non-negative numbers.
func count(field string, v any) *ValidationError {
	if err := nonNegative(field, v); err != nil {
		return err
	}
	if f := v.(float64); f != math.Trunc(f) {
		return &ValidationError{Field: field, Message: "must be a whole number"}
	}
	return nil
}

func boolean(field string, v any) *ValidationError {
	if _, ok := v.(bool); !ok {
		return &ValidationError{Field: field, Message: "must be true or false"}
	}
	return nil
}

func timestamp(field string, v any) *ValidationError {
	s, ok := v.(string)
	if !ok {
		return &ValidationError{Field: field, Message: "must be an RFC 3339 timestamp"}
	}
	if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
		return &ValidationError{Field: field, Message: "must be an RFC 3339 timestamp"}
	}
	return nil
}

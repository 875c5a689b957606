package serving

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/YuminosukeSato/scitrack/pkg/errors"
)

// RawFeatures is an unvalidated feature vector: either numeric values or
// comma-delimited text such as "0.5, -1.2, 3".
type RawFeatures struct {
	Values []float64
	Text   string
	IsText bool
}

// FeatureValues wraps numeric values.
func FeatureValues(v ...float64) RawFeatures {
	return RawFeatures{Values: v}
}

// FeatureText wraps delimited text.
func FeatureText(s string) RawFeatures {
	return RawFeatures{Text: s, IsText: true}
}

// UnmarshalJSON accepts a JSON array (numbers or numeric strings), a string
// of delimited values, or a single number.
func (r *RawFeatures) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*r = RawFeatures{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return errors.NewInvalidInputError("features", "malformed string", string(data))
		}
		*r = FeatureText(s)
		return nil
	case data[0] == '[':
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var items []any
		if err := dec.Decode(&items); err != nil {
			return errors.NewInvalidInputError("features", "malformed array", string(data))
		}
		values := make([]float64, len(items))
		for i, it := range items {
			var tok string
			switch v := it.(type) {
			case json.Number:
				tok = v.String()
			case string:
				tok = strings.TrimSpace(v)
			default:
				return errors.NewInvalidInputError("features", "array elements must be numbers", it)
			}
			f, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				return errors.NewInvalidInputError("features", "not a number", tok)
			}
			values[i] = f
		}
		*r = FeatureValues(values...)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return errors.NewInvalidInputError("features", "must be an array or a delimited string", string(data))
		}
		*r = FeatureText(n.String())
		return nil
	}
}

// Parse validates the features: at least one value, every token a finite
// float64.
func (r RawFeatures) Parse() ([]float64, error) {
	var values []float64
	if r.IsText {
		text := strings.TrimSpace(r.Text)
		if text != "" {
			for _, tok := range strings.Split(text, ",") {
				tok = strings.TrimSpace(tok)
				v, err := strconv.ParseFloat(tok, 64)
				if err != nil {
					return nil, errors.NewInvalidInputError("features", "not a number", tok)
				}
				values = append(values, v)
			}
		}
	} else {
		values = append(values, r.Values...)
	}
	if len(values) == 0 {
		return nil, errors.NewInvalidInputError("features", "no feature values provided", "")
	}
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.NewInvalidInputError("features", "must be finite", strconv.Itoa(i)+": "+strconv.FormatFloat(v, 'g', -1, 64))
		}
	}
	return values, nil
}

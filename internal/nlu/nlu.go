package nlu

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Detector resolves a visitor utterance to an intent. Session IDs let the
// provider keep its own slot-filling context between turns.
type Detector interface {
	DetectIntent(ctx context.Context, sessionID, text string) (*Result, error)
}

type Result struct {
	Intent                   string         `json:"intent"`
	Confidence               float64        `json:"confidence"`
	FulfillmentText          string         `json:"fulfillment_text"`
	Parameters               map[string]any `json:"parameters,omitempty"`
	AllRequiredParamsPresent bool           `json:"all_required_params_present"`
	IsFallback               bool           `json:"is_fallback"`
	EndInteraction           bool           `json:"end_interaction"`
}

// String returns parameter key as text. Dialogflow system entities arrive as
// strings, numbers, lists or objects (sys.person is {"name": "..."}), so each
// shape is flattened.
func (r *Result) String(key string) string {
	if r == nil || r.Parameters == nil {
		return ""
	}
	return flatten(r.Parameters[key])
}

// Int returns parameter key as an integer, or 0 when absent or not numeric.
func (r *Result) Int(key string) int {
	s := r.String(key)
	if s == "" {
		return 0
	}
	if f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64); err == nil {
		return int(f)
	}
	return 0
}

// Bool understands yes/no style answers as well as JSON booleans.
func (r *Result) Bool(key string) bool {
	switch strings.ToLower(r.String(key)) {
	case "true", "yes", "y", "yeah", "yep", "1":
		return true
	}
	return false
}

func flatten(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case bool:
		return strconv.FormatBool(val)
	case []any:
		if len(val) == 0 {
			return ""
		}
		return flatten(val[0])
	case map[string]any:
		for _, key := range []string{"name", "original", "amount", "date_time", "startDate"} {
			if inner, ok := val[key]; ok {
				return flatten(inner)
			}
		}
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}

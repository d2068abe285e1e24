// Package valuation estimates a vehicle's Actual Cash Value (ACV) and applies
// the Texas total-loss test.
//
// ACV = base price for the body class × trim multiplier × age-decay factor.
// The figure is shown in the intake chat and on leads; it is not an appraisal.
package valuation

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

var ErrInvalidVehicle = errors.New("invalid vehicle")

const (
	// MinYear is the oldest model year the estimator accepts.
	MinYear = 1980

	annualDepreciation = 0.15
	residualFloor      = 0.10

	// DefaultTotalLossThreshold is the Texas rule: a vehicle is a total loss
	// when repair cost reaches 100% of its ACV.
	DefaultTotalLossThreshold = 1.0
)

var basePrices = map[string]float64{
	"compact": 24000,
	"sedan":   30000,
	"coupe":   32000,
	"suv":     38000,
	"minivan": 40000,
	"truck":   45000,
	"ev":      48000,
	"luxury":  60000,
}

var trimTiers = map[string]float64{
	"base":    1.00,
	"mid":     1.12,
	"upper":   1.25,
	"premium": 1.40,
}

var trimNames = map[string]string{
	"base": "base", "s": "base", "l": "base", "le": "base", "lx": "base", "xl": "base", "sv": "base", "ls": "base",
	"se": "mid", "ex": "mid", "xle": "mid", "lt": "mid", "xlt": "mid", "sport": "mid", "sel": "mid", "big horn": "mid",
	"ex-l": "upper", "limited": "upper", "lariat": "upper", "ltz": "upper", "touring": "upper", "sl": "upper", "laramie": "upper",
	"platinum": "premium", "denali": "premium", "king ranch": "premium", "raptor": "premium", "trd pro": "premium",
	"high country": "premium", "longhorn": "premium",
}

var luxuryMakes = map[string]bool{
	"acura": true, "audi": true, "bmw": true, "cadillac": true, "genesis": true, "infiniti": true,
	"jaguar": true, "land rover": true, "lexus": true, "lincoln": true, "mercedes-benz": true,
	"mercedes": true, "porsche": true, "volvo": true,
}

var modelClasses = map[string]string{
	"f-150": "truck", "f150": "truck", "silverado": "truck", "ram": "truck", "1500": "truck", "tundra": "truck",
	"tacoma": "truck", "sierra": "truck", "colorado": "truck", "ranger": "truck", "frontier": "truck",
	"tahoe": "suv", "suburban": "suv", "explorer": "suv", "rav4": "suv", "cr-v": "suv", "highlander": "suv",
	"equinox": "suv", "rogue": "suv", "escape": "suv", "4runner": "suv", "pilot": "suv", "wrangler": "suv",
	"grand cherokee": "suv", "expedition": "suv", "traverse": "suv",
	"odyssey": "minivan", "sienna": "minivan", "pacifica": "minivan", "carnival": "minivan",
	"civic": "compact", "corolla": "compact", "sentra": "compact", "elantra": "compact", "jetta": "compact",
	"mustang": "coupe", "camaro": "coupe", "challenger": "coupe",
	"model 3": "ev", "model y": "ev", "model s": "ev", "model x": "ev", "bolt": "ev", "leaf": "ev", "mach-e": "ev",
	"mustang mach-e": "ev",
}

// modelNames holds the modelClasses keys longest first, so "mustang mach-e"
// wins over "mustang" and ties resolve alphabetically.
var modelNames = func() []string {
	names := make([]string, 0, len(modelClasses))
	for name := range modelClasses {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	return names
}()

type Vehicle struct {
	Year      int    `json:"year"`
	Make      string `json:"make"`
	Model     string `json:"model"`
	Trim      string `json:"trim"`
	BodyClass string `json:"body_class"`
}

type Estimate struct {
	Vehicle        Vehicle `json:"vehicle"`
	BodyClass      string  `json:"body_class"`
	BasePrice      float64 `json:"base_price"`
	TrimTier       string  `json:"trim_tier"`
	TrimMultiplier float64 `json:"trim_multiplier"`
	Age            int     `json:"age"`
	AgeFactor      float64 `json:"age_factor"`
	ACV            float64 `json:"acv"`
}

type Estimator struct {
	Now func() time.Time
}

var defaultEstimator = Estimator{Now: time.Now}

// EstimateACV values v with the process clock.
func EstimateACV(v Vehicle) (Estimate, error) {
	return defaultEstimator.Estimate(v)
}

// Estimate computes base price × trim multiplier × age-decay factor, rounded
// to whole dollars. An empty BodyClass is inferred from make and model.
func (e Estimator) Estimate(v Vehicle) (Estimate, error) {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	currentYear := now().Year()
	if v.Year < MinYear || v.Year > currentYear+1 {
		return Estimate{}, fmt.Errorf("%w: model year %d outside %d-%d", ErrInvalidVehicle, v.Year, MinYear, currentYear+1)
	}

	class := strings.ToLower(strings.TrimSpace(v.BodyClass))
	if class == "" {
		class = Classify(v.Make, v.Model)
	}
	base, ok := basePrices[class]
	if !ok {
		return Estimate{}, fmt.Errorf("%w: unknown body class %q", ErrInvalidVehicle, v.BodyClass)
	}

	tier := TrimTier(v.Trim)
	age := currentYear - v.Year
	if age < 0 {
		age = 0
	}
	ageFactor := math.Max(math.Pow(1-annualDepreciation, float64(age)), residualFloor)

	return Estimate{
		Vehicle:        v,
		BodyClass:      class,
		BasePrice:      base,
		TrimTier:       tier,
		TrimMultiplier: trimTiers[tier],
		Age:            age,
		AgeFactor:      ageFactor,
		ACV:            math.Round(base * trimTiers[tier] * ageFactor),
	}, nil
}

// TrimTier maps a trim name to base, mid, upper or premium. Unknown trims
// are treated as base.
func TrimTier(trim string) string {
	if tier, ok := trimNames[strings.ToLower(strings.TrimSpace(trim))]; ok {
		return tier
	}
	return "base"
}

// Classify guesses a body class from make and model, defaulting to sedan.
func Classify(vehicleMake, model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	if class, ok := modelClasses[m]; ok {
		return class
	}
	for _, name := range modelNames {
		if len(name) > 3 && strings.Contains(m, name) {
			return modelClasses[name]
		}
	}
	if luxuryMakes[strings.ToLower(strings.TrimSpace(vehicleMake))] {
		return "luxury"
	}
	return "sedan"
}

// IsTotalLoss reports whether repairCost reaches threshold × acv. A
// non-positive threshold means the Texas default.
func IsTotalLoss(repairCost, acv, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultTotalLossThreshold
	}
	if acv <= 0 {
		return false
	}
	return repairCost >= acv*threshold
}

// BodyClasses lists the accepted body classes.
func BodyClasses() []string {
	out := make([]string, 0, len(basePrices))
	for class := range basePrices {
		out = append(out, class)
	}
	sort.Strings(out)
	return out
}

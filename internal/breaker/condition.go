package breaker

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ConditionType discriminates the risk condition variants.
type ConditionType string

const (
	ConditionLossRate            ConditionType = "LOSS_RATE"
	ConditionConsecutiveFailures ConditionType = "CONSECUTIVE_FAILURES"
	ConditionPriceDeviation      ConditionType = "PRICE_DEVIATION"
	ConditionErrorRate           ConditionType = "ERROR_RATE"
)

// Condition is the risk rule a breaker evaluates. The concrete types below
// are the only recognised variants; anything else decodes to UnknownCondition.
type Condition interface {
	Type() ConditionType
}

// LossRateCondition trips when the share of losing trades reaches LossPercent.
type LossRateCondition struct {
	LossPercent       float64 `json:"lossPercent" yaml:"lossPercent" validate:"gt=0,lte=100"`
	TimeWindowMinutes int     `json:"timeWindowMinutes" yaml:"timeWindowMinutes" validate:"gt=0"`
}

// ConsecutiveFailuresCondition trips after Count failures in a row.
type ConsecutiveFailuresCondition struct {
	Count int `json:"count" yaml:"count" validate:"gt=0"`
}

// PriceDeviationCondition trips when absolute price deviation reaches DeviationPercent.
type PriceDeviationCondition struct {
	DeviationPercent  float64 `json:"deviationPercent" yaml:"deviationPercent" validate:"gt=0"`
	TimeWindowMinutes int     `json:"timeWindowMinutes" yaml:"timeWindowMinutes" validate:"gt=0"`
}

// ErrorRateCondition trips when the error share of the last SampleSize events reaches ErrorPercent.
type ErrorRateCondition struct {
	ErrorPercent float64 `json:"errorPercent" yaml:"errorPercent" validate:"gt=0,lte=100"`
	SampleSize   int     `json:"sampleSize" yaml:"sampleSize" validate:"gt=0"`
}

// UnknownCondition preserves a condition whose type this build does not know.
type UnknownCondition struct {
	Kind ConditionType
	Raw  json.RawMessage
}

func (LossRateCondition) Type() ConditionType            { return ConditionLossRate }
func (ConsecutiveFailuresCondition) Type() ConditionType { return ConditionConsecutiveFailures }
func (PriceDeviationCondition) Type() ConditionType      { return ConditionPriceDeviation }
func (ErrorRateCondition) Type() ConditionType           { return ConditionErrorRate }
func (u UnknownCondition) Type() ConditionType           { return u.Kind }

// ErrInvalidCondition reports a malformed or unsupported condition payload.
var ErrInvalidCondition = errors.New("breaker: invalid condition")

type conditionEnvelope struct {
	Type ConditionType `json:"type"`
}

// EncodeCondition renders a condition as `{"type": ..., <payload fields>}`.
func EncodeCondition(c Condition) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: missing condition", ErrInvalidCondition)
	}
	if u, ok := c.(UnknownCondition); ok {
		if len(u.Raw) > 0 {
			return u.Raw, nil
		}
		return json.Marshal(conditionEnvelope{Type: u.Kind})
	}

	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal condition: %w", err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("marshal condition: %w", err)
	}
	kind, _ := json.Marshal(c.Type())
	fields["type"] = kind
	return json.Marshal(fields)
}

// DecodeCondition parses a tagged condition. Unrecognised types are returned
// as UnknownCondition so stored configuration survives a downgrade.
func DecodeCondition(data []byte) (Condition, error) {
	var env conditionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCondition, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidCondition)
	}

	var (
		cond Condition
		err  error
	)
	switch env.Type {
	case ConditionLossRate:
		var c LossRateCondition
		err = json.Unmarshal(data, &c)
		cond = c
	case ConditionConsecutiveFailures:
		var c ConsecutiveFailuresCondition
		err = json.Unmarshal(data, &c)
		cond = c
	case ConditionPriceDeviation:
		var c PriceDeviationCondition
		err = json.Unmarshal(data, &c)
		cond = c
	case ConditionErrorRate:
		var c ErrorRateCondition
		err = json.Unmarshal(data, &c)
		cond = c
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return UnknownCondition{Kind: env.Type, Raw: raw}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCondition, err)
	}
	return cond, nil
}

// ValidateCondition rejects unknown variants and out-of-range thresholds.
func ValidateCondition(c Condition) error {
	switch cond := c.(type) {
	case nil:
		return fmt.Errorf("%w: missing condition", ErrInvalidCondition)
	case LossRateCondition:
		if cond.LossPercent <= 0 || cond.LossPercent > 100 {
			return fmt.Errorf("%w: lossPercent must be in (0, 100]", ErrInvalidCondition)
		}
		if cond.TimeWindowMinutes <= 0 {
			return fmt.Errorf("%w: timeWindowMinutes must be positive", ErrInvalidCondition)
		}
	case ConsecutiveFailuresCondition:
		if cond.Count <= 0 {
			return fmt.Errorf("%w: count must be positive", ErrInvalidCondition)
		}
	case PriceDeviationCondition:
		if cond.DeviationPercent <= 0 {
			return fmt.Errorf("%w: deviationPercent must be positive", ErrInvalidCondition)
		}
		if cond.TimeWindowMinutes <= 0 {
			return fmt.Errorf("%w: timeWindowMinutes must be positive", ErrInvalidCondition)
		}
	case ErrorRateCondition:
		if cond.ErrorPercent <= 0 || cond.ErrorPercent > 100 {
			return fmt.Errorf("%w: errorPercent must be in (0, 100]", ErrInvalidCondition)
		}
		if cond.SampleSize <= 0 {
			return fmt.Errorf("%w: sampleSize must be positive", ErrInvalidCondition)
		}
	default:
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidCondition, c.Type())
	}
	return nil
}

package rules

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kilianp07/leadalloc/core/model"
)

// Context is what conditions are evaluated against.
type Context struct {
	Lead model.Lead
	Zone string
	Now  time.Time
}

func (c Context) attribute(t model.ConditionType) (any, error) {
	l := c.Lead
	switch t {
	case model.CondServiceType:
		return string(l.Details.ServiceType), nil
	case model.CondPriority:
		return string(l.Priority), nil
	case model.CondUrgency:
		return string(l.Details.Urgency), nil
	case model.CondPropertyType:
		return l.Location.PropertyType, nil
	case model.CondJobValue:
		return l.Details.EstimatedValue, nil
	case model.CondZone:
		return c.Zone, nil
	case model.CondHourOfDay:
		return float64(c.Now.Hour()), nil
	case model.CondDayOfWeek:
		return strings.ToLower(c.Now.Weekday().String()), nil
	case model.CondClaimNumber:
		return l.ClaimNumber, nil
	}
	return nil, fmt.Errorf("unknown condition type %q", t)
}

func evalCondition(cond model.AllocationCondition, c Context) (bool, error) {
	attr, err := c.attribute(cond.Type)
	if err != nil {
		return false, err
	}
	switch cond.Operator {
	case model.OpEquals:
		return equal(attr, cond.Value), nil
	case model.OpNotEquals:
		return !equal(attr, cond.Value), nil
	case model.OpIn:
		return contains(cond.Value, attr), nil
	case model.OpNotIn:
		return !contains(cond.Value, attr), nil
	case model.OpGreaterThan, model.OpLessThan:
		a, ok1 := toFloat(attr)
		b, ok2 := toFloat(cond.Value)
		if !ok1 || !ok2 {
			return false, fmt.Errorf("%s needs numeric operands", cond.Operator)
		}
		if cond.Operator == model.OpGreaterThan {
			return a > b, nil
		}
		return a < b, nil
	case model.OpBetween:
		bounds := toList(cond.Value)
		a, ok := toFloat(attr)
		if len(bounds) != 2 || !ok {
			return false, fmt.Errorf("between needs a numeric attribute and two bounds")
		}
		lo, ok1 := toFloat(bounds[0])
		hi, ok2 := toFloat(bounds[1])
		if !ok1 || !ok2 {
			return false, fmt.Errorf("between bounds must be numeric")
		}
		return a >= lo && a <= hi, nil
	case model.OpExists:
		want := true
		if b, ok := cond.Value.(bool); ok {
			want = b
		}
		return (fmt.Sprint(attr) != "") == want, nil
	}
	return false, fmt.Errorf("unknown operator %q", cond.Operator)
}

func equal(attr, v any) bool {
	if a, ok := attr.(float64); ok {
		b, ok := toFloat(v)
		return ok && a == b
	}
	return strings.EqualFold(fmt.Sprint(attr), fmt.Sprint(v))
}

func contains(list, attr any) bool {
	return slices.ContainsFunc(toList(list), func(v any) bool { return equal(attr, v) })
}

func toList(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case []float64:
		out := make([]any, len(x))
		for i, f := range x {
			out[i] = f
		}
		return out
	case string:
		parts := strings.Split(x, ",")
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func param(a model.AllocationAction, key string) string {
	if v, ok := a.Params[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

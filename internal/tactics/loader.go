package tactics

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/soradev/kabu-assist/internal/types"
)

var (
	ErrUnknownJudgeFunc = errors.New("unknown judge function")
	ErrUnknownValueFunc = errors.New("unknown value function")
)

// JudgeFunc decides whether a rule should fire.
type JudgeFunc func(latest, high, low, prevClose float64) bool

// ValueFunc resolves an order price. A negative result means "at market".
type ValueFunc func(latest, high, low, prevClose float64) float64

// Registry holds the named judge and value functions a rules file may
// reference; a rule referencing an unregistered name fails validation.
type Registry struct {
	judges map[string]JudgeFunc
	values map[string]ValueFunc
}

// NewRegistry returns a registry preloaded with the builtin functions.
func NewRegistry() *Registry {
	r := &Registry{
		judges: map[string]JudgeFunc{},
		values: map[string]ValueFunc{},
	}
	r.RegisterValue("latest", func(latest, _, _, _ float64) float64 { return latest })
	r.RegisterValue("market", func(_, _, _, _ float64) float64 { return -1 })
	r.RegisterValue("day_high", func(_, high, _, _ float64) float64 { return high })
	r.RegisterValue("day_low", func(_, _, low, _ float64) float64 { return low })
	r.RegisterValue("prev_close", func(_, _, _, prevClose float64) float64 { return prevClose })
	r.RegisterJudge("above_prev_close", func(latest, _, _, prevClose float64) bool {
		return prevClose > 0 && latest > prevClose
	})
	r.RegisterJudge("below_prev_close", func(latest, _, _, prevClose float64) bool {
		return prevClose > 0 && latest < prevClose
	})
	return r
}

// RegisterJudge adds or replaces a named judge function.
func (r *Registry) RegisterJudge(name string, f JudgeFunc) { r.judges[name] = f }

// RegisterValue adds or replaces a named value function.
func (r *Registry) RegisterValue(name string, f ValueFunc) { r.values[name] = f }

// Judge implements Callbacks.
func (r *Registry) Judge(ref string, latest, high, low, prevClose float64) (bool, error) {
	f, ok := r.judges[ref]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownJudgeFunc, ref)
	}
	return f(latest, high, low, prevClose), nil
}

// Value implements Callbacks.
func (r *Registry) Value(ref string, latest, high, low, prevClose float64) (float64, error) {
	f, ok := r.values[ref]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownValueFunc, ref)
	}
	return f(latest, high, low, prevClose), nil
}

type triggerJSON struct {
	Kind    string  `json:"kind"` // value_gap, no_contract, func
	Percent float64 `json:"percent,omitempty"`
	Seconds int     `json:"seconds,omitempty"`
	Func    string  `json:"func,omitempty"`
}

type emergencyJSON struct {
	Trigger      triggerJSON `json:"trigger"`
	TargetGroups []int       `json:"target_groups"`
}

type orderJSON struct {
	Trigger   triggerJSON `json:"trigger"`
	UniqueID  int         `json:"unique_id"`
	GroupID   int         `json:"group_id"`
	Side      string      `json:"side"` // buy or sell
	Leverage  bool        `json:"leverage"`
	Quantity  int         `json:"quantity"`
	Condition string      `json:"condition,omitempty"` // opening, close, unpromoted
	ValueFunc string      `json:"value_func"`
	// repayment only
	BargainDate  string  `json:"bargain_date,omitempty"`
	BargainPrice float64 `json:"bargain_price,omitempty"`
}

type tacticsJSON struct {
	ID          int             `json:"id"`
	Emergencies []emergencyJSON `json:"emergencies"`
	Fresh       []orderJSON     `json:"fresh"`
	Repayments  []orderJSON     `json:"repayments"`
}

type rulesJSON struct {
	Tactics []tacticsJSON `json:"tactics"`
	Links   []struct {
		Code      int `json:"code"`
		TacticsID int `json:"tactics_id"`
	} `json:"links"`
}

// LoadRules reads a rule file and returns the rule-sets keyed by id
// plus the symbol links, validating every referenced function against
// the registry.
func LoadRules(path string, reg *Registry) (map[int]Tactics, []Link, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read rules: %w", err)
	}
	return ParseRules(raw, reg)
}

// ParseRules is LoadRules for in-memory rule data.
func ParseRules(raw []byte, reg *Registry) (map[int]Tactics, []Link, error) {
	var doc rulesJSON
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse rules: %w", err)
	}

	out := map[int]Tactics{}
	for _, tj := range doc.Tactics {
		if _, dup := out[tj.ID]; dup {
			return nil, nil, fmt.Errorf("duplicate tactics id %d", tj.ID)
		}
		t := Tactics{ID: tj.ID}
		for _, ej := range tj.Emergencies {
			trg, err := buildTrigger(ej.Trigger, reg)
			if err != nil {
				return nil, nil, fmt.Errorf("tactics %d: %w", tj.ID, err)
			}
			t.Emergencies = append(t.Emergencies, Emergency{Trigger: trg, TargetGroups: ej.TargetGroups})
		}
		for _, oj := range tj.Fresh {
			ord, err := buildOrder(oj, reg)
			if err != nil {
				return nil, nil, fmt.Errorf("tactics %d: %w", tj.ID, err)
			}
			t.Fresh = append(t.Fresh, ord)
		}
		for _, oj := range tj.Repayments {
			ord, err := buildOrder(oj, reg)
			if err != nil {
				return nil, nil, fmt.Errorf("tactics %d: %w", tj.ID, err)
			}
			rep := RepOrder{Order: ord, BargainPrice: oj.BargainPrice}
			if oj.BargainDate != "" {
				rep.BargainDate, err = types.ParseDay(oj.BargainDate)
				if err != nil {
					return nil, nil, fmt.Errorf("tactics %d: %w", tj.ID, err)
				}
			}
			t.Repayments = append(t.Repayments, rep)
		}
		out[tj.ID] = t
	}

	var links []Link
	for _, lj := range doc.Links {
		code := types.StockCode(lj.Code)
		if !code.Valid() {
			return nil, nil, fmt.Errorf("invalid stock code %d in links", lj.Code)
		}
		if _, ok := out[lj.TacticsID]; !ok {
			return nil, nil, fmt.Errorf("link for code %s references unknown tactics %d", code, lj.TacticsID)
		}
		links = append(links, Link{Code: code, TacticsID: lj.TacticsID})
	}
	return out, links, nil
}

func buildTrigger(tj triggerJSON, reg *Registry) (Trigger, error) {
	switch tj.Kind {
	case "value_gap":
		if tj.Seconds <= 0 {
			return Trigger{}, fmt.Errorf("value_gap trigger needs a positive window")
		}
		return Trigger{Kind: TriggerValueGap, Percent: tj.Percent, Seconds: tj.Seconds}, nil
	case "no_contract":
		if tj.Seconds <= 0 {
			return Trigger{}, fmt.Errorf("no_contract trigger needs a positive threshold")
		}
		return Trigger{Kind: TriggerNoContract, Seconds: tj.Seconds}, nil
	case "func":
		if _, ok := reg.judges[tj.Func]; !ok {
			return Trigger{}, fmt.Errorf("%w: %q", ErrUnknownJudgeFunc, tj.Func)
		}
		return Trigger{Kind: TriggerFunc, FuncRef: tj.Func}, nil
	}
	return Trigger{}, fmt.Errorf("unknown trigger kind %q", tj.Kind)
}

func buildOrder(oj orderJSON, reg *Registry) (Order, error) {
	trg, err := buildTrigger(oj.Trigger, reg)
	if err != nil {
		return Order{}, err
	}
	var side types.OrderType
	switch oj.Side {
	case "buy":
		side = types.OrderBuy
	case "sell":
		side = types.OrderSell
	default:
		return Order{}, fmt.Errorf("unknown order side %q", oj.Side)
	}
	if oj.Quantity == 0 {
		return Order{}, fmt.Errorf("order %d has no quantity", oj.UniqueID)
	}
	var cond types.OrderCondition
	switch oj.Condition {
	case "":
		cond = types.CondNone
	case "opening":
		cond = types.CondOpening
	case "close":
		cond = types.CondClose
	case "unpromoted":
		cond = types.CondUnpromoted
	default:
		return Order{}, fmt.Errorf("unknown order condition %q", oj.Condition)
	}
	if _, ok := reg.values[oj.ValueFunc]; !ok {
		return Order{}, fmt.Errorf("%w: %q", ErrUnknownValueFunc, oj.ValueFunc)
	}
	return Order{
		Trigger:   trg,
		UniqueID:  oj.UniqueID,
		GroupID:   oj.GroupID,
		Side:      side,
		Leverage:  oj.Leverage,
		Quantity:  oj.Quantity,
		Condition: cond,
		ValueFunc: oj.ValueFunc,
	}, nil
}

package policy

import (
	"fmt"
	"math"

	"github.com/talgya/minc/internal/config"
	"github.com/talgya/minc/internal/model"
)

// valueKind is the compile-time type of an expression.
type valueKind uint8

const (
	kindNum valueKind = iota
	kindBool
)

// funcArity whitelists the callable functions and their argument counts.
// king_defend_projection and wealth_exposed are precomputed by the engine
// and bound as plain identifiers, not calls.
var funcArity = map[string]int{
	"sigmoid": 1,
	"clamp":   3,
	"min":     2,
	"max":     2,
	"abs":     1,
}

// Schema declares which identifiers an expression may reference: agent
// roots (dotted field access) and plain numeric parameters.
type Schema struct {
	Agents []string
	Nums   []string
}

func (s Schema) hasAgent(name string) bool {
	for _, a := range s.Agents {
		if a == name {
			return true
		}
	}
	return false
}

func (s Schema) hasNum(name string) bool {
	for _, n := range s.Nums {
		if n == name {
			return true
		}
	}
	return false
}

// agentFieldKind validates a dotted path below an agent root. Accepted:
// currency, retainer_fee, bribe_threshold, wealth.<trait>, alive.
func agentFieldKind(path []string) (valueKind, error) {
	joined := ""
	for i, p := range path {
		if i > 0 {
			joined += "."
		}
		joined += p
	}
	switch {
	case len(path) == 1 && (path[0] == "currency" || path[0] == "retainer_fee" || path[0] == "bribe_threshold"):
		return kindNum, nil
	case len(path) == 1 && path[0] == "alive":
		return kindBool, nil
	case len(path) == 2 && path[0] == "wealth":
		for _, t := range model.TraitNames {
			if t == path[1] {
				return kindNum, nil
			}
		}
		return 0, &UnknownIdentifierError{Name: "wealth." + path[1]}
	}
	return 0, &UnknownIdentifierError{Name: joined}
}

// Env supplies runtime values for a compiled program: agent roots by name
// and plain numeric parameters (config constants, tick, precomputed helpers).
type Env struct {
	Agents map[string]*model.Agent
	Nums   map[string]float64
}

// Program is a compiled, validated expression. Evaluation uses only the Env
// and cannot fail.
type Program struct {
	src  string
	root node
	kind valueKind
}

// Kind returns whether the program yields a number or a boolean.
func (p *Program) Kind() string {
	if p.kind == kindBool {
		return "bool"
	}
	return "num"
}

// Source returns the original expression text.
func (p *Program) Source() string { return p.src }

// Compile parses, whitelists, and type-checks one expression against a
// schema. wantBool requires the expression to yield a boolean.
func Compile(src string, schema Schema, wantBool bool) (*Program, error) {
	root, err := parse(src)
	if err != nil {
		return nil, err
	}
	kind, err := check(root, schema)
	if err != nil {
		return nil, err
	}
	if wantBool && kind != kindBool {
		return nil, &TypeError{Msg: fmt.Sprintf("expression %q yields a number, want a condition", src)}
	}
	if !wantBool && kind != kindNum {
		return nil, &TypeError{Msg: fmt.Sprintf("expression %q yields a condition, want a number", src)}
	}
	return &Program{src: src, root: root, kind: kind}, nil
}

// check walks the AST enforcing the whitelist and inferring types.
func check(n node, schema Schema) (valueKind, error) {
	switch x := n.(type) {
	case *numLit:
		return kindNum, nil
	case *boolLit:
		return kindBool, nil

	case *attrRef:
		root := x.path[0]
		if len(x.path) == 1 {
			if schema.hasNum(root) {
				return kindNum, nil
			}
			if schema.hasAgent(root) {
				return 0, &TypeError{Msg: root + " is an agent, not a value"}
			}
			return 0, &UnknownIdentifierError{Name: root}
		}
		if !schema.hasAgent(root) {
			return 0, &UnknownIdentifierError{Name: root}
		}
		return agentFieldKind(x.path[1:])

	case *unary:
		k, err := check(x.x, schema)
		if err != nil {
			return 0, err
		}
		if x.op == "not" {
			if k != kindBool {
				return 0, &TypeError{Msg: "not requires a condition"}
			}
			return kindBool, nil
		}
		if k != kindNum {
			return 0, &TypeError{Msg: "unary - requires a number"}
		}
		return kindNum, nil

	case *binary:
		lk, err := check(x.l, schema)
		if err != nil {
			return 0, err
		}
		rk, err := check(x.r, schema)
		if err != nil {
			return 0, err
		}
		switch x.op {
		case "and", "or":
			if lk != kindBool || rk != kindBool {
				return 0, &TypeError{Msg: x.op + " requires conditions on both sides"}
			}
			return kindBool, nil
		case "==", "!=", "<", "<=", ">", ">=":
			if lk != rk {
				return 0, &TypeError{Msg: "comparison mixes number and condition"}
			}
			return kindBool, nil
		default: // + - * / %
			if lk != kindNum || rk != kindNum {
				return 0, &TypeError{Msg: x.op + " requires numbers"}
			}
			return kindNum, nil
		}

	case *call:
		arity, ok := funcArity[x.name]
		if !ok {
			return 0, &UnsafeOperationError{Op: "call to " + x.name}
		}
		if len(x.args) != arity {
			return 0, &TypeError{Msg: fmt.Sprintf("%s takes %d arguments, got %d", x.name, arity, len(x.args))}
		}
		for _, a := range x.args {
			k, err := check(a, schema)
			if err != nil {
				return 0, err
			}
			if k != kindNum {
				return 0, &TypeError{Msg: x.name + " requires numeric arguments"}
			}
		}
		return kindNum, nil
	}
	return 0, &UnsafeOperationError{Op: fmt.Sprintf("node %T", n)}
}

// EvalNum evaluates a numeric program.
func (p *Program) EvalNum(env Env) float64 {
	v, _ := eval(p.root, env)
	return v
}

// EvalBool evaluates a boolean program.
func (p *Program) EvalBool(env Env) bool {
	_, b := eval(p.root, env)
	return b
}

// eval interprets the validated AST. Division and modulo by zero yield 0;
// every other case is total by construction.
func eval(n node, env Env) (float64, bool) {
	switch x := n.(type) {
	case *numLit:
		return x.v, false
	case *boolLit:
		return 0, x.v

	case *attrRef:
		root := x.path[0]
		if len(x.path) == 1 {
			return env.Nums[root], false
		}
		a := env.Agents[root]
		if a == nil {
			return 0, false
		}
		rest := x.path[1:]
		switch {
		case len(rest) == 1 && rest[0] == "currency":
			return float64(a.Currency), false
		case len(rest) == 1 && rest[0] == "retainer_fee":
			return float64(a.RetainerFee), false
		case len(rest) == 1 && rest[0] == "bribe_threshold":
			return float64(a.BribeThreshold), false
		case len(rest) == 1 && rest[0] == "alive":
			return 0, a.Alive
		case len(rest) == 2 && rest[0] == "wealth":
			for i, t := range model.TraitNames {
				if t == rest[1] {
					return float64(a.Wealth.Get(model.Trait(i))), false
				}
			}
		}
		return 0, false

	case *unary:
		v, b := eval(x.x, env)
		if x.op == "not" {
			return 0, !b
		}
		return -v, false

	case *binary:
		lv, lb := eval(x.l, env)
		switch x.op {
		case "and":
			if !lb {
				return 0, false
			}
			_, rb := eval(x.r, env)
			return 0, rb
		case "or":
			if lb {
				return 0, true
			}
			_, rb := eval(x.r, env)
			return 0, rb
		}
		rv, rb := eval(x.r, env)
		switch x.op {
		case "+":
			return lv + rv, false
		case "-":
			return lv - rv, false
		case "*":
			return lv * rv, false
		case "/":
			if rv == 0 {
				return 0, false
			}
			return lv / rv, false
		case "%":
			if rv == 0 {
				return 0, false
			}
			return math.Mod(lv, rv), false
		case "==":
			if isBoolNode(x.l) {
				return 0, lb == rb
			}
			return 0, lv == rv
		case "!=":
			if isBoolNode(x.l) {
				return 0, lb != rb
			}
			return 0, lv != rv
		case "<":
			return 0, lv < rv
		case "<=":
			return 0, lv <= rv
		case ">":
			return 0, lv > rv
		case ">=":
			return 0, lv >= rv
		}
		return 0, false

	case *call:
		args := make([]float64, len(x.args))
		for i, a := range x.args {
			args[i], _ = eval(a, env)
		}
		switch x.name {
		case "sigmoid":
			v := args[0]
			if v > 40 {
				v = 40
			} else if v < -40 {
				v = -40
			}
			return 1.0 / (1.0 + math.Exp(-v)), false
		case "clamp":
			v := args[0]
			if v < args[1] {
				v = args[1]
			}
			if v > args[2] {
				v = args[2]
			}
			return v, false
		case "min":
			return math.Min(args[0], args[1]), false
		case "max":
			return math.Max(args[0], args[1]), false
		case "abs":
			return math.Abs(args[0]), false
		}
		return 0, false
	}
	return 0, false
}

// isBoolNode reports whether a validated node yields a boolean. Used only
// to disambiguate == and != at runtime; validation guarantees both sides
// agree.
func isBoolNode(n node) bool {
	switch x := n.(type) {
	case *boolLit:
		return true
	case *unary:
		return x.op == "not"
	case *binary:
		switch x.op {
		case "and", "or", "==", "!=", "<", "<=", ">", ">=":
			return true
		}
		return false
	case *attrRef:
		return len(x.path) == 2 && x.path[1] == "alive"
	default:
		return false
	}
}

// CompiledPolicies holds the four policy slots. Nil slots fall back to the
// built-in economics functions.
type CompiledPolicies struct {
	RaidValue    *Program
	BribeOutcome *Program
	PKnightWin   *Program
	TradeAction  *Program
	DripRules    []DripRule
}

// DripRule is one compiled trait-emergence rule.
type DripRule struct {
	Condition *Program
	Delta     map[model.Trait]int64
}

// Slot schemas: each policy slot has a fixed closure signature.
var (
	raidValueSchema = Schema{
		Agents: []string{"merc", "king"},
		Nums:   []string{"tick", "knights", "king_defend_projection", "wealth_exposed", "alpha_raid", "beta_sense_adapt", "gamma_king_defend", "delta_king_exposed"},
	}
	bribeOutcomeSchema = Schema{
		Agents: []string{"merc", "king"},
		Nums:   []string{"tick", "raid_value", "king_defend_projection", "wealth_exposed", "bribe_leakage"},
	}
	pKnightWinSchema = Schema{
		Agents: []string{"knight", "merc"},
		Nums:   []string{"tick", "trait_delta", "employment_bonus", "base_knight_winrate", "trait_advantage_weight", "clamp_min", "clamp_max"},
	}
	tradeActionSchema = Schema{
		Agents: []string{"king"},
		Nums:   []string{"tick", "invest_per_tick"},
	}
	dripSchema = Schema{
		Agents: []string{"agent"},
		Nums:   []string{"tick"},
	}
)

// CompileAll compiles every configured policy expression and trait-emergence
// rule. Unset slots compile to nil.
func CompileAll(cfg *config.Config) (*CompiledPolicies, error) {
	out := &CompiledPolicies{}
	var err error

	if s := cfg.Policies.RaidValue; s != "" {
		if out.RaidValue, err = Compile(s, raidValueSchema, false); err != nil {
			return nil, fmt.Errorf("policies.raid_value: %w", err)
		}
	}
	if s := cfg.Policies.BribeOutcome; s != "" {
		if out.BribeOutcome, err = Compile(s, bribeOutcomeSchema, true); err != nil {
			return nil, fmt.Errorf("policies.bribe_outcome: %w", err)
		}
	}
	if s := cfg.Policies.PKnightWin; s != "" {
		if out.PKnightWin, err = Compile(s, pKnightWinSchema, false); err != nil {
			return nil, fmt.Errorf("policies.p_knight_win: %w", err)
		}
	}
	if s := cfg.Policies.TradeAction; s != "" {
		if out.TradeAction, err = Compile(s, tradeActionSchema, true); err != nil {
			return nil, fmt.Errorf("policies.trade_action: %w", err)
		}
	}

	if cfg.TraitEmergence.Enabled {
		for i, rule := range cfg.TraitEmergence.Rules {
			prog, err := Compile(rule.Condition, dripSchema, true)
			if err != nil {
				return nil, fmt.Errorf("trait_emergence.rules[%d]: %w", i, err)
			}
			delta := make(map[model.Trait]int64, len(rule.Delta))
			for name, d := range rule.Delta {
				for ti, tn := range model.TraitNames {
					if tn == name {
						delta[model.Trait(ti)] = d
					}
				}
			}
			out.DripRules = append(out.DripRules, DripRule{Condition: prog, Delta: delta})
		}
	}
	return out, nil
}

// Validate compiles every configured expression and returns the collected
// errors without executing anything.
func Validate(cfg *config.Config) []error {
	var errs []error
	if _, err := CompileAll(cfg); err != nil {
		errs = append(errs, err)
	}
	return errs
}

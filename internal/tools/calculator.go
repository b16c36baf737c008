package tools

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/expr-lang/expr"
)

// CalculatorName is the registry name of the calculator tool.
const CalculatorName = "calculator"

var calculatorEnv = map[string]any{
	"pi":    math.Pi,
	"e":     math.E,
	"sqrt":  math.Sqrt,
	"pow":   math.Pow,
	"log":   math.Log,
	"log10": math.Log10,
	"exp":   math.Exp,
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
	"pct": func(part, whole float64) float64 {
		if whole == 0 {
			return 0
		}
		return part / whole * 100
	},
}

// NewCalculator returns the calculator tool. Expressions are deterministic, so results are cached.
func NewCalculator() Tool {
	return Tool{
		Name:        CalculatorName,
		Description: "Evaluate an arithmetic expression, e.g. \"(1.0921 - 1.0850) / 1.0850 * 100\". Supports sqrt, pow, log, exp, pct(part, whole).",
		Parameters: map[string]string{
			"expression": "arithmetic expression (required)",
		},
		DefaultTimeout: 2 * time.Second,
		Cacheable:      true,
		CacheTTL:       24 * time.Hour,
		Execute: func(_ context.Context, args map[string]any) (any, error) {
			expression := strings.TrimSpace(stringArg(args, "expression"))
			if expression == "" {
				return nil, errors.New("calculator: expression is required")
			}
			v, err := Evaluate(expression)
			if err != nil {
				return nil, err
			}
			return map[string]any{"expression": expression, "result": v}, nil
		},
	}
}

// Evaluate computes a numeric expression.
func Evaluate(expression string) (float64, error) {
	program, err := expr.Compile(expression, expr.Env(calculatorEnv))
	if err != nil {
		return 0, fmt.Errorf("calculator: %w", err)
	}
	out, err := expr.Run(program, calculatorEnv)
	if err != nil {
		return 0, fmt.Errorf("calculator: %w", err)
	}
	var v float64
	switch n := out.(type) {
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case float64:
		v = n
	default:
		return 0, fmt.Errorf("calculator: expression yields %T, not a number", out)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("calculator: result is not finite")
	}
	return v, nil
}

package tools

import (
	"context"

	"github.com/khairulanwarjo/gestella/internal/tools/calc"
)

type calculatorArgs struct {
	Expression string `json:"expression" jsonschema_description:"The arithmetic expression, e.g. \"5000 * 0.3\" or \"(100 + 50) / 2\"."`
}

func calculatorTool() *Tool {
	return Define("calculator",
		`Calculates a math expression. Use this for ANY math problem. Example input: "5000 * 0.3" or "(100 + 50) / 2"`,
		func(_ context.Context, args calculatorArgs) (string, error) {
			out, err := calc.Eval(args.Expression)
			if err != nil {
				return "Error calculating: " + err.Error(), nil
			}
			return out, nil
		})
}

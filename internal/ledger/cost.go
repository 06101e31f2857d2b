package ledger

import "github.com/shopspring/decimal"

// DefaultCost computes the credit cost of serving a prompt of the given
// token length on a given model and GPU type with the built-in multipliers
// (the model_pricing table is not consulted):
//
//	floor(prompt_length / 4) * model_multiplier * gpu_multiplier
//
// rounded to DecimalPlaces, truncating toward zero.
func DefaultCost(promptLength int, model, gpuType string) decimal.Decimal {
	base := decimal.NewFromInt(int64(promptLength / 4))

	modelMultiplier := decimal.NewFromInt(1)
	switch model {
	case "gpt4":
		modelMultiplier = decimal.NewFromInt(2)
	case "gpt3":
		modelMultiplier = decimal.NewFromInt(1)
	}

	gpuMultiplier := decimal.NewFromInt(1)
	switch gpuType {
	case "a100":
		gpuMultiplier = decimal.NewFromFloat(1.5)
	case "h100":
		gpuMultiplier = decimal.NewFromFloat(2.0)
	}

	return base.Mul(modelMultiplier).Mul(gpuMultiplier).Truncate(DecimalPlaces)
}

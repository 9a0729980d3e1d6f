// Package brewratio provides the built-in "calculate_brew_ratio" tool: it
// computes the coffee-to-water ratio and attaches brewing advice for the
// method in use.
package brewratio

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/Dana-Harb/brewrelay/internal/tools"
	"github.com/Dana-Harb/brewrelay/pkg/upstream"
)

// ratioArgs is the JSON-decoded input for the "calculate_brew_ratio" tool.
type ratioArgs struct {
	// CoffeeAmount is the dose of ground coffee in grams.
	CoffeeAmount float64 `json:"coffee_amount"`

	// WaterAmount is the amount of water in grams or millilitres.
	WaterAmount float64 `json:"water_amount"`

	// BrewMethod optionally names the brewing method for tailored advice.
	BrewMethod string `json:"brew_method"`
}

// ratioResult is the JSON-encoded output of the "calculate_brew_ratio" tool.
type ratioResult struct {
	CoffeeAmount float64 `json:"coffee_amount"`
	WaterAmount  float64 `json:"water_amount"`

	// Ratio is water divided by coffee, rounded to one decimal.
	Ratio float64 `json:"ratio"`

	// Advice is a human-readable summary including method-specific remarks.
	Advice string `json:"advice"`
}

// Ideal ratio ranges per brewing method, inclusive on both ends.
const (
	espressoMin = 1.5
	espressoMax = 2.5

	pourOverMin = 15
	pourOverMax = 17

	frenchPressMin = 12
	frenchPressMax = 15
)

// ratioHandler implements the "calculate_brew_ratio" tool.
func ratioHandler(_ context.Context, args string) (string, error) {
	var a ratioArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("brewratio: failed to parse arguments: %w", err)
	}
	if a.CoffeeAmount <= 0 {
		return "", fmt.Errorf("brewratio: coffee_amount must be > 0, got %g", a.CoffeeAmount)
	}
	if a.WaterAmount <= 0 {
		return "", fmt.Errorf("brewratio: water_amount must be > 0, got %g", a.WaterAmount)
	}

	ratio := a.WaterAmount / a.CoffeeAmount
	advice := fmt.Sprintf("Brew ratio: 1:%.1f (coffee:water)", ratio)
	if a.BrewMethod != "" {
		advice += " for " + methodTitle(a.BrewMethod)
	}

	switch {
	case a.BrewMethod == "espresso" && ratio >= espressoMin && ratio <= espressoMax:
		advice += " - Good espresso ratio!"
	case a.BrewMethod == "pour_over" && ratio >= pourOverMin && ratio <= pourOverMax:
		advice += " - Ideal pour over range!"
	case a.BrewMethod == "french_press" && ratio >= frenchPressMin && ratio <= frenchPressMax:
		advice += " - Perfect French press ratio!"
	}

	res, err := json.Marshal(ratioResult{
		CoffeeAmount: a.CoffeeAmount,
		WaterAmount:  a.WaterAmount,
		Ratio:        math.Round(ratio*10) / 10,
		Advice:       advice,
	})
	if err != nil {
		return "", fmt.Errorf("brewratio: failed to encode result: %w", err)
	}
	return string(res), nil
}

// methodTitle converts "pour_over" to "Pour Over".
func methodTitle(method string) string {
	words := strings.Split(method, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// Tools returns the brew-ratio tool ready for registration.
func Tools() []tools.Tool {
	return []tools.Tool{
		{
			Definition: upstream.ToolDefinition{
				Name:        "calculate_brew_ratio",
				Description: "Calculate coffee to water ratio and provide brewing advice",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"coffee_amount": map[string]any{
							"type":        "number",
							"description": "Amount of coffee in grams",
						},
						"water_amount": map[string]any{
							"type":        "number",
							"description": "Amount of water in grams or ml",
						},
						"brew_method": map[string]any{
							"type":        "string",
							"description": "Brewing method being used",
							"enum": []string{
								"pour_over", "french_press", "espresso",
								"aeropress", "cold_brew", "moka_pot",
							},
						},
					},
					"required":             []string{"coffee_amount", "water_amount"},
					"additionalProperties": false,
				},
			},
			Handler: ratioHandler,
		},
	}
}

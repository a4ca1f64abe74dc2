package ai

import (
	"fmt"
	"sort"
	"strings"
)

// SystemPrompt frames every analysis.
const SystemPrompt = `You are a CAE expert and senior engineer with extensive knowledge of FEA and CFD analysis.
Analyze the provided images and information carefully. Be detailed, technical and actionable:
focus on practical implementation details, give numerical values and specific recommendations,
highlight critical aspects, and explain the reasoning behind each recommendation.`

var kindInstructions = map[string]string{
	"preprocess":  "Review the model set-up shown and advise on meshing, boundary conditions, material assignment and solver settings before the run.",
	"postprocess": "Interpret the results shown, call out hot spots and suspicious gradients, and state whether the design meets the stated requirements.",
	"errorcheck":  "Diagnose the solver error or anomaly shown, list the likely causes in order of probability, and give the fix for each.",
}

// BuildPrompt renders the user message for params.
func BuildPrompt(params AnalyzeParams) string {
	var b strings.Builder

	if instr, ok := kindInstructions[params.Kind]; ok {
		b.WriteString(instr)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Project: %s\n\n%s\n", params.Title, params.Description)

	if len(params.Parameters) > 0 {
		keys := make([]string, 0, len(params.Parameters))
		for k := range params.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString("\nParameters:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, params.Parameters[k])
		}
	}

	return b.String()
}

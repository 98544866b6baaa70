package lua

import (
	"fmt"
	"strings"

	"github.com/mpataki/forge/internal/fileblock"
	"github.com/mpataki/forge/internal/models"
)

// SystemPrompt tells a backend how to answer.
const SystemPrompt = `You are a senior software engineer. You write complete, working project files.

Answer using this exact format for every file, and nothing else:

===== FILE: <relative path> =====
<full file content>
===== END =====

Rules:
- Output every file the project needs, including its tests.
- Write whole files. No placeholders, no elisions.
- Do not wrap file contents in markdown code fences.
- Use relative paths inside the project only.`

func DefaultGeneratePrompt(spec *models.Spec, prior *models.FailureContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Build the project %q described below.\n\n", spec.Name)
	b.WriteString("--- SPECIFICATION ---\n")
	b.WriteString(strings.TrimSpace(spec.Description))
	b.WriteString("\n--- END SPECIFICATION ---\n\n")
	fmt.Fprintf(&b, "The project is verified by running `%s` from its root; it must exit 0.\n", strings.Join(spec.TestCommand, " "))
	writeChecks(&b, spec.Checks)
	b.WriteString("Generate all source files and all test files.\n")

	if prior != nil {
		b.WriteString("\nAn earlier attempt failed its tests:\n\n")
		writeFailure(&b, *prior)
	}

	return b.String()
}

func DefaultPatchPrompt(spec *models.Spec, failure models.FailureContext, files models.FileSet) string {
	var b strings.Builder
	b.WriteString("The project below was generated from the specification, but its tests fail.\n\n")
	b.WriteString("--- SPECIFICATION ---\n")
	b.WriteString(strings.TrimSpace(spec.Description))
	b.WriteString("\n--- END SPECIFICATION ---\n\n")
	b.WriteString("--- CURRENT FILES ---\n")
	b.WriteString(fileblock.Format(files))
	b.WriteString("--- END CURRENT FILES ---\n\n")
	writeFailure(&b, failure)
	fmt.Fprintf(&b, "\nFix the project so that `%s` exits 0. Output every file that must change, complete.\n", strings.Join(spec.TestCommand, " "))
	writeChecks(&b, spec.Checks)
	return b.String()
}

func writeFailure(b *strings.Builder, f models.FailureContext) {
	if f.TimedOut {
		fmt.Fprintf(b, "Test attempt %d timed out and was killed.\n", f.Attempt)
	} else {
		fmt.Fprintf(b, "Test attempt %d exited with code %d.\n", f.Attempt, f.ExitCode)
	}
	output := strings.TrimSpace(f.Stdout + "\n" + f.Stderr)
	if len(output) > maxFailureOutput {
		output = "[... truncated ...]\n" + output[len(output)-maxFailureOutput:]
	}
	b.WriteString("--- TEST OUTPUT ---\n")
	b.WriteString(output)
	b.WriteString("\n--- END TEST OUTPUT ---\n")
}

func writeChecks(b *strings.Builder, checks []models.Check) {
	if len(checks) == 0 {
		return
	}
	b.WriteString("These checks must also exit 0:\n")
	for _, c := range checks {
		fmt.Fprintf(b, "- %s: `%s`\n", c.Name, strings.Join(c.Command, " "))
	}
}

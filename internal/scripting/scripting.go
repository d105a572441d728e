// Package scripting wraps user-supplied Python with a fixed
// preamble/epilogue so a single chart-generating script can run
// headless inside an ephemeral container and report success or
// failure through its exit code alone, without a persistent agent to
// talk to. Grounded on original_source/src/core/scripting.py's
// create_execution_script.
package scripting

import "strings"

// StartMarker is printed to stdout before user code runs so callers
// can distinguish "script never started" from "script started and
// produced no output."
const StartMarker = "---SCRIPT EXECUTION START---"

// Build wraps userCode in a self-contained program that saves the
// first active matplotlib figure to outputFilename in the process's
// current working directory (the runner supplies that directory via
// working_dir; the filename is never path-joined here).
func Build(userCode, outputFilename string) string {
	var b strings.Builder

	b.WriteString("import matplotlib\n")
	b.WriteString("matplotlib.use('Agg')\n")
	b.WriteString("import matplotlib.pyplot as plt\n")
	b.WriteString("import sys\n\n")
	b.WriteString("print(")
	b.WriteString(quotePythonString(StartMarker))
	b.WriteString(")\n\n")
	b.WriteString("try:\n")
	b.WriteString(indent(userCode))
	b.WriteString("\nexcept Exception as exc:\n")
	b.WriteString("    print(str(exc), file=sys.stderr)\n")
	b.WriteString("    sys.exit(1)\n")
	b.WriteString("else:\n")
	b.WriteString("    if not plt.get_fignums():\n")
	b.WriteString("        print('No plot was generated.', file=sys.stderr)\n")
	b.WriteString("        sys.exit(2)\n")
	b.WriteString("    try:\n")
	b.WriteString("        plt.savefig(")
	b.WriteString(quotePythonString(outputFilename))
	b.WriteString(", bbox_inches='tight')\n")
	b.WriteString("    except Exception as exc:\n")
	b.WriteString("        print(str(exc), file=sys.stderr)\n")
	b.WriteString("        sys.exit(3)\n")
	b.WriteString("finally:\n")
	b.WriteString("    plt.close('all')\n")
	b.WriteString("sys.exit(0)\n")

	return b.String()
}

// indent prefixes every line of code with four spaces so it nests
// correctly inside the generated try block; blank lines stay blank.
func indent(code string) string {
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		if line == "" {
			continue
		}
		lines[i] = "    " + line
	}
	return strings.Join(lines, "\n")
}

// quotePythonString produces a single-quoted Python string literal,
// escaping backslashes and single quotes.
func quotePythonString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

// Command archcheck fails when a package imports across a forbidden layer
// boundary. It runs go list over the whole module, tests included.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
)

const modulePrefix = "ex-tally/"

type listedPackage struct {
	ImportPath   string
	Imports      []string
	TestImports  []string
	XTestImports []string
}

func main() {
	os.Exit(run(os.Stdout))
}

func run(out io.Writer) int {
	packages, err := listPackages()
	if err != nil {
		fmt.Fprintf(os.Stderr, "arch-check: %v\n", err)
		return 1
	}

	return report(out, collectViolations(packages))
}

func report(out io.Writer, violations []string) int {
	if len(violations) == 0 {
		_, _ = fmt.Fprintln(out, "arch-check: passed")
		return 0
	}

	_, _ = fmt.Fprintln(out, "arch-check: architecture violations:")
	for _, violation := range violations {
		_, _ = fmt.Fprintf(out, "  - %s\n", violation)
	}

	return 1
}

func listPackages() ([]listedPackage, error) {
	cmd := exec.Command("go", "list", "-json", "-test", "./...")
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("go list pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start go list: %w", err)
	}

	packages, decodeErr := decodePackages(stdout)
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("go list -json -test ./...: %w", err)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}

	return packages, nil
}

// decodePackages reads the concatenated JSON objects go list prints.
func decodePackages(in io.Reader) ([]listedPackage, error) {
	decoder := json.NewDecoder(in)
	var packages []listedPackage
	for decoder.More() {
		var pkg listedPackage
		if err := decoder.Decode(&pkg); err != nil {
			return nil, fmt.Errorf("decode go list output: %w", err)
		}
		if pkg.ImportPath != "" {
			packages = append(packages, pkg)
		}
	}

	return packages, nil
}

// collectViolations returns each offending import once, sorted.
func collectViolations(packages []listedPackage) []string {
	found := make(map[string]struct{})
	for _, pkg := range packages {
		for _, imported := range slices.Concat(pkg.Imports, pkg.TestImports, pkg.XTestImports) {
			if reason := violationReason(pkg.ImportPath, imported); reason != "" {
				found[fmt.Sprintf("%s -> %s (%s)", pkg.ImportPath, imported, reason)] = struct{}{}
			}
		}
	}

	return slices.Sorted(maps.Keys(found))
}

// layerRule forbids importers under one prefix from importing another prefix.
type layerRule struct {
	importer string
	imported string
	reason   string
}

var layerRules = []layerRule{
	{importer: modulePrefix + "pkg/", imported: modulePrefix + "internal/", reason: "pkg/* must not import internal/*"},
	{importer: modulePrefix + "pkg/", imported: modulePrefix + "modules/", reason: "pkg/* must not import modules/*"},
	{importer: modulePrefix + "pkg/otogi", imported: modulePrefix + "pkg/tally", reason: "pkg/otogi must not import pkg/tally"},
	{importer: modulePrefix + "pkg/tally", imported: "github.com/gotd/", reason: "pkg/tally must stay platform neutral"},
	{importer: modulePrefix + "internal/kernel", imported: modulePrefix + "internal/driver", reason: "internal/kernel must not import internal/driver/*"},
	{importer: modulePrefix + "internal/storage", imported: modulePrefix + "internal/driver", reason: "internal/storage must not import internal/driver/*"},
	{importer: modulePrefix + "modules/", imported: modulePrefix + "internal/", reason: "modules/* must not import internal/*"},
	{importer: modulePrefix + "modules/", imported: "github.com/gotd/", reason: "modules/* must reach platforms through pkg/otogi services"},
}

func violationReason(importer, imported string) string {
	for _, rule := range layerRules {
		if strings.HasPrefix(importer, rule.importer) && strings.HasPrefix(imported, rule.imported) {
			return rule.reason
		}
	}

	return ""
}

package main

import (
	"fmt"
	"os"
	"strings"

	"qazna.org/tenancy/internal/access"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "validate":
		runValidate()
	case "convert":
		runConvert()
	case "check":
		runCheck()
	case "matrix":
		runMatrix()
	default:
		usage()
	}
}

// load reads the table named by the argument at idx, or the compiled-in table for "-".
func load(idx int) *access.Table {
	if len(os.Args) <= idx {
		usage()
	}
	path := os.Args[idx]
	if path == "-" {
		path = ""
	}
	t, err := access.LoadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", os.Args[idx], err)
		os.Exit(1)
	}
	return t
}

func runValidate() {
	t := load(2)
	granted := 0
	for _, level := range access.AccessLevels() {
		for _, a := range access.AllResourceActions() {
			if t.IsGranted(level, a) {
				granted++
			}
		}
	}
	fmt.Printf("ok: %d groups, %d grants\n", len(t.Groups()), granted)
}

func runConvert() {
	if len(os.Args) < 4 {
		usage()
	}
	t := load(3)
	var err error
	switch os.Args[2] {
	case "yaml":
		err = t.WriteYAML(os.Stdout)
	case "md", "markdown":
		err = t.WriteMarkdown(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown format %q\n", os.Args[2])
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "convert: %v\n", err)
		os.Exit(1)
	}
}

func runCheck() {
	if len(os.Args) < 5 {
		usage()
	}
	t := load(2)
	level, err := access.ParseAccessLevel(os.Args[3])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	action, err := access.ParseResourceAction(os.Args[4])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if !t.IsGranted(level, action) {
		fmt.Printf("%s %s: deny\n", level, action)
		os.Exit(2)
	}
	fmt.Printf("%s %s: allow (scope %s)\n", level, action, t.AllowedScope(level))
}

func runMatrix() {
	t := load(2)
	for _, level := range access.AccessLevels() {
		var tokens []string
		for _, a := range access.AllResourceActions() {
			if t.IsGranted(level, a) {
				tokens = append(tokens, a.String())
			}
		}
		fmt.Printf("%s [%s]: %s\n", level, t.AllowedScope(level), strings.Join(tokens, " "))
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage:
  %[1]s validate <file|->
  %[1]s convert yaml|md <file|->
  %[1]s check <file|-> <level> <resource:verb>
  %[1]s matrix <file|->
`, os.Args[0])
	os.Exit(1)
}

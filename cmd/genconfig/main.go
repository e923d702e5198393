// Package main implements the genconfig tool that writes config.default.toml
// from config.ExampleConfig().
//
// It is invoked by go generate via the directive in internal/config/config.go.
package main

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"tools.zach/dev/neildev/internal/config"
)

// sectionLabels overrides the capitalized section name used in separators.
var sectionLabels = map[string]string{
	"irq": "IRQ",
}

func main() {
	cfg := config.ExampleConfig()

	var raw bytes.Buffer
	if err := toml.NewEncoder(&raw).Encode(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "marshal: %v\n", err)
		os.Exit(1)
	}

	result := render(raw.String())

	// go generate runs from the package directory (internal/config/).
	// With go.mod at root, ../../ reaches the repo root where configdata.go
	// embeds config.default.toml.
	outPath := "../../config.default.toml"
	if err := os.WriteFile(outPath, []byte(result), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", outPath, err)
		os.Exit(1)
	}
	fmt.Printf("wrote config.default.toml\n")
}

// render annotates encoded TOML with [config.ConfigDocs] comments. Array
// table entries ([[name]]) share one separator, and each field comment is
// written only for the first entry that carries it.
func render(encoded string) string {
	out := []string{
		"# ///////////////////////////////////////////////",
		"# neildev Configuration",
		"# ///////////////////////////////////////////////",
		"",
	}

	var sectionStack []string
	emittedKeys := map[string]bool{}
	documented := map[string]bool{}

	comment := func(path string) {
		doc, ok := config.ConfigDocs[path]
		if !ok || doc.Comment == "" || documented[path] {
			return
		}
		documented[path] = true
		for _, cl := range strings.Split(doc.Comment, "\n") {
			out = append(out, "# "+cl)
		}
	}

	for _, line := range strings.Split(encoded, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if strings.HasPrefix(trimmed, "[") {
			injectOmitted(&out, sectionStack, emittedKeys)

			array := strings.HasPrefix(trimmed, "[[")
			section := strings.Trim(trimmed, "[] ")
			repeat := array && strings.Join(sectionStack, ".") == section
			sectionStack = parseSectionPath(section)

			out = append(out, "")
			if !repeat {
				out = append(out, fmt.Sprintf("# ///// %s /////", sectionName(section)), "")
				comment(section)
			}
			out = append(out, trimmed)
			continue
		}

		if !strings.Contains(trimmed, "=") || strings.HasPrefix(trimmed, "#") {
			out = append(out, trimmed)
			continue
		}

		key := strings.TrimSpace(strings.SplitN(trimmed, "=", 2)[0])
		fullPath := key
		if len(sectionStack) > 0 {
			fullPath = strings.Join(sectionStack, ".") + "." + key
		}
		emittedKeys[fullPath] = true

		first := !documented[fullPath]
		comment(fullPath)
		out = append(out, trimmed)
		if first {
			for _, alt := range config.ConfigDocs[fullPath].Alternatives {
				out = append(out, "# "+alt)
			}
		}
	}

	injectOmitted(&out, sectionStack, emittedKeys)

	return strings.TrimRight(strings.Join(out, "\n"), "\n") + "\n"
}

// injectOmitted appends commented-out entries for [config.ConfigDocs] keys that
// belong to the current section but were not emitted by the TOML encoder (typically
// because the field has an omitempty tag and holds its zero value). Keys are
// sorted for deterministic ordering.
func injectOmitted(out *[]string, sectionStack []string, emitted map[string]bool) {
	if len(sectionStack) == 0 {
		return
	}
	prefix := strings.Join(sectionStack, ".") + "."

	var omitted []string
	for path := range config.ConfigDocs {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		rest := strings.TrimPrefix(path, prefix)
		if strings.Contains(rest, ".") {
			continue
		}
		if emitted[path] {
			continue
		}
		omitted = append(omitted, path)
	}
	sort.Strings(omitted)

	for _, path := range omitted {
		doc := config.ConfigDocs[path]
		*out = append(*out, "")
		if doc.Comment != "" {
			for _, cl := range strings.Split(doc.Comment, "\n") {
				*out = append(*out, "# "+cl)
			}
		}
		for _, alt := range doc.Alternatives {
			*out = append(*out, "# "+alt)
		}
		emitted[path] = true
	}
}

// parseSectionPath splits a dotted TOML section header (e.g. "log.rotate")
// into its component path segments.
func parseSectionPath(section string) []string {
	return strings.Split(section, ".")
}

// sectionName returns a human-readable display name for a TOML section header
// by extracting the last dotted segment and capitalizing its first letter.
func sectionName(section string) string {
	if label, ok := sectionLabels[section]; ok {
		return label
	}
	parts := strings.Split(section, ".")
	last := parts[len(parts)-1]
	if len(last) == 0 {
		return ""
	}
	return strings.ToUpper(last[:1]) + last[1:]
}

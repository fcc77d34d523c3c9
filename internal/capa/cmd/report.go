package cmd

import (
	"cmp"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"github.com/Ana06/capa/internal/analysis"
	"github.com/Ana06/capa/internal/capa/styles"
	"github.com/Ana06/capa/internal/extract"
	"github.com/Ana06/capa/internal/features"
	"github.com/Ana06/capa/internal/workspace"
)

const reportTop = 20

var reportCmd = &cobra.Command{
	Use:   "report [file]",
	Short: "Summarise the features of a binary as markdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := sessionFromFlags(cmd, args)
		if err != nil {
			return err
		}
		defer s.Close()

		results, err := s.extractor.Binary(cmd.Context(), s.backend)
		if err != nil {
			return err
		}
		sum, _ := digest(s.path)
		md := buildReport(s.ws, sum, summarize(results))

		if s.cfg.NoColor || !term.IsTerminal(os.Stdout.Fd()) {
			fmt.Fprint(cmd.OutOrStdout(), md)
			return nil
		}
		width := 100
		if w, _, err := term.GetSize(os.Stdout.Fd()); err == nil && w > 0 {
			width = w
		}
		fmt.Fprint(cmd.OutOrStdout(), styles.RenderMarkdown(md, width-2))
		return nil
	},
}

type count struct {
	key string
	n   int
}

// summary aggregates the features of a whole binary.
type summary struct {
	functions int
	failed    int
	kinds     map[string]int
	apis      map[string]int
	strings   map[string]int
	chars     map[string]int
}

func summarize(results []extract.FunctionFeatures) summary {
	s := summary{
		functions: len(results),
		kinds:     map[string]int{},
		apis:      map[string]int{},
		strings:   map[string]int{},
		chars:     map[string]int{},
	}
	for _, r := range results {
		if r.Err != nil {
			s.failed++
			slog.Debug("function skipped in report", "va", fmt.Sprintf("%#x", r.VA), "error", r.Err)
			continue
		}
		for _, l := range r.Features {
			s.kinds[l.Feature.Kind()]++
			switch f := l.Feature.(type) {
			case features.API:
				s.apis[f.Name]++
			case features.String:
				s.strings[f.Value]++
			case features.Characteristic:
				s.chars[string(f.Tag)]++
			}
		}
	}
	return s
}

// top returns the n most frequent keys, ties broken alphabetically.
func top(m map[string]int, n int) []count {
	out := make([]count, 0, len(m))
	for k, v := range m {
		out = append(out, count{k, v})
	}
	slices.SortFunc(out, func(a, b count) int {
		if c := cmp.Compare(b.n, a.n); c != 0 {
			return c
		}
		return strings.Compare(a.key, b.key)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func buildReport(ws *workspace.Workspace, sum string, s summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# capa report\n\n")
	fmt.Fprintf(&b, "| | |\n|---|---|\n")
	fmt.Fprintf(&b, "| file | `%s` |\n", ws.Identity())
	if sum != "" {
		fmt.Fprintf(&b, "| sha256 | `%s` |\n", sum)
	}
	fmt.Fprintf(&b, "| format | %s |\n", ws.Format())
	fmt.Fprintf(&b, "| arch | %s |\n", ws.Arch())
	fmt.Fprintf(&b, "| entry | `%#x` |\n", ws.Entry())
	fmt.Fprintf(&b, "| sections | %d |\n", len(ws.Sections()))
	fmt.Fprintf(&b, "| imports | %d |\n", len(ws.Imports()))
	fmt.Fprintf(&b, "| functions | %d (%d failed) |\n\n", s.functions, s.failed)

	b.WriteString("## Features\n\n| kind | count |\n|---|---|\n")
	for _, c := range top(s.kinds, len(s.kinds)) {
		fmt.Fprintf(&b, "| %s | %d |\n", c.key, c.n)
	}
	b.WriteString("\n")

	if len(s.chars) > 0 {
		b.WriteString("## Characteristics\n\n")
		for _, c := range top(s.chars, len(s.chars)) {
			fmt.Fprintf(&b, "- %s (%d)\n", c.key, c.n)
		}
		b.WriteString("\n")
	}
	if len(s.apis) > 0 {
		b.WriteString("## APIs\n\n")
		for _, c := range top(s.apis, reportTop) {
			fmt.Fprintf(&b, "- `%s` (%d)\n", analysis.DisplayName(c.key), c.n)
		}
		b.WriteString("\n")
	}
	if len(s.strings) > 0 {
		b.WriteString("## Strings\n\n")
		for _, c := range top(s.strings, reportTop) {
			fmt.Fprintf(&b, "- `%s` (%d)\n", analysis.EscapeUnprintable([]byte(c.key)), c.n)
		}
		b.WriteString("\n")
	}
	return b.String()
}

package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Ana06/capa/internal/capa/styles"
	"github.com/Ana06/capa/internal/extract"
	"github.com/Ana06/capa/internal/insn"
	"github.com/Ana06/capa/internal/ui/colorize"
)

var disasmCmd = &cobra.Command{
	Use:   "disasm [file]",
	Short: "Print a function's listing annotated with its features",
	Example: `
capa disasm --function 0x401000 /path/to/binary
  `,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		only, _ := cmd.Flags().GetString("function")
		va, err := parseVA(only)
		if err != nil {
			return fmt.Errorf("--function: %w", err)
		}

		s, err := sessionFromFlags(cmd, args)
		if err != nil {
			return err
		}
		defer s.Close()

		f, err := s.backend.Function(cmd.Context(), va)
		if err != nil {
			return err
		}
		writeListing(cmd.OutOrStdout(), s.extractor, f, s.backend.Arch(), s.cfg.NoColor)
		return nil
	},
}

func init() {
	disasmCmd.Flags().StringP("function", "f", "", "Address of the function to list (hex)")
	disasmCmd.MarkFlagRequired("function")
}

// listing renders f one instruction per line, each followed by the
// features extracted from it as a trailing comment.
func listing(x *extract.Extractor, f *insn.Function) []string {
	lines := []string{fmt.Sprintf("; %s", f.Name)}
	for b := range f.Blocks {
		bb := &f.Blocks[b]
		if b > 0 {
			lines = append(lines, "")
		}
		lines = append(lines, fmt.Sprintf("; block %#x", bb.VA))
		for i := range bb.Insns {
			in := &bb.Insns[i]
			line := fmt.Sprintf("0x%08x  %s", in.VA, in)
			var notes []string
			for l := range x.Instruction(f, bb, in) {
				if l.Feature.Kind() == "mnemonic" {
					continue
				}
				notes = append(notes, styles.FeatureText(l))
			}
			if len(notes) > 0 {
				line += "\t; " + strings.Join(notes, ", ")
			}
			lines = append(lines, line)
		}
	}
	return lines
}

func writeListing(w io.Writer, x *extract.Extractor, f *insn.Function, arch string, plain bool) {
	for _, line := range listing(x, f) {
		if !plain {
			line = colorizeListingLine(line, arch)
		}
		fmt.Fprintln(w, line)
	}
}

// colorizeListingLine highlights the instruction and dims the feature
// comment, which the assembly lexers would otherwise mangle.
func colorizeListingLine(line, arch string) string {
	code, notes, ok := strings.Cut(line, "\t; ")
	if !ok {
		return colorize.Line(line, arch)
	}
	return colorize.Line(code, arch) + "  " + styles.Address.Render("; "+notes)
}

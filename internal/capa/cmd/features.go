package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/Ana06/capa/internal/capa/styles"
	"github.com/Ana06/capa/internal/extract"
	"github.com/Ana06/capa/internal/features"
)

var featuresCmd = &cobra.Command{
	Use:   "features [file]",
	Short: "Print the features of every function",
	Long: `Disassemble the binary and print the features each function exhibits,
one per line, grouped by function. With --json every function becomes one
JSON object per line.`,
	Example: `
# All functions
capa features /path/to/binary

# One function as JSON
capa features --json --function 0x401000 /path/to/binary
  `,
	Args: cobra.ExactArgs(1),
	RunE: runFeatures,
}

func init() {
	featuresCmd.Flags().BoolP("json", "j", false, "Output JSON lines")
	featuresCmd.Flags().StringP("function", "f", "", "Only extract the function at this address (hex)")
	featuresCmd.Flags().IntP("workers", "w", 0, "Functions extracted concurrently (default: number of CPUs)")
}

// FunctionOutput is the JSON form of one function's features.
type FunctionOutput struct {
	VA       string             `json:"va"`
	Name     string             `json:"name"`
	Features []features.Located `json:"features"`
	Error    string             `json:"error,omitempty"`
}

func runFeatures(cmd *cobra.Command, args []string) error {
	s, err := sessionFromFlags(cmd, args)
	if err != nil {
		return err
	}
	defer s.Close()

	asJSON, _ := cmd.Flags().GetBool("json")
	only, _ := cmd.Flags().GetString("function")
	out := cmd.OutOrStdout()

	var results []extract.FunctionFeatures
	if only != "" {
		va, err := parseVA(only)
		if err != nil {
			return fmt.Errorf("--function: %w", err)
		}
		f, err := s.backend.Function(cmd.Context(), va)
		if err != nil {
			return err
		}
		var located []features.Located
		for l := range s.extractor.Function(f) {
			located = append(located, l)
		}
		results = []extract.FunctionFeatures{{VA: f.VA, Name: f.Name, Features: located}}
	} else {
		results, err = s.extractor.Binary(cmd.Context(), s.backend)
		if err != nil {
			// print what finished before the interruption
			slog.Warn("extraction incomplete", "file", s.path, "functions", len(results), "error", err)
		}
	}

	if asJSON {
		if werr := writeJSON(out, results); werr != nil {
			return werr
		}
	} else {
		writeText(out, results, s.cfg.NoColor)
	}
	return err
}

func writeJSON(w io.Writer, results []extract.FunctionFeatures) error {
	enc := json.NewEncoder(w)
	for _, r := range results {
		o := FunctionOutput{
			VA:       fmt.Sprintf("%#x", r.VA),
			Name:     sanitizeForJSON(r.Name),
			Features: sanitizeFeatures(r.Features),
		}
		if o.Features == nil {
			o.Features = []features.Located{}
		}
		if r.Err != nil {
			o.Error = r.Err.Error()
		}
		if err := enc.Encode(o); err != nil {
			return err
		}
	}
	return nil
}

func writeText(w io.Writer, results []extract.FunctionFeatures, plain bool) {
	for i, r := range results {
		if i > 0 {
			fmt.Fprintln(w)
		}
		header := fmt.Sprintf("%s @ %#x", r.Name, r.VA)
		if r.Name == "" {
			header = fmt.Sprintf("sub_%x @ %#x", r.VA, r.VA)
		}
		if !plain {
			header = styles.Header.Render(header)
		}
		fmt.Fprintln(w, header)
		if r.Err != nil {
			msg := "  error: " + r.Err.Error()
			if !plain {
				msg = styles.Failure.Render(msg)
			}
			fmt.Fprintln(w, msg)
			continue
		}
		for _, l := range r.Features {
			fmt.Fprintln(w, "  "+styles.FeatureLine(l, plain))
		}
	}
}

// sanitizeForJSON cleans a string to be valid UTF-8 and safe for JSON encoding
func sanitizeForJSON(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "�")
}

func sanitizeFeatures(ls []features.Located) []features.Located {
	for i, l := range ls {
		if s, ok := l.Feature.(features.String); ok && !utf8.ValidString(s.Value) {
			ls[i].Feature = features.String{Value: sanitizeForJSON(s.Value)}
		}
	}
	return ls
}

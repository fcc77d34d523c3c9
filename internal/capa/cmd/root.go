package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	capalog "github.com/Ana06/capa/internal/capa/log"
	"github.com/Ana06/capa/internal/workspace"
)

func init() {
	rootCmd.PersistentFlags().StringP("cwd", "c", "", "Current working directory")
	rootCmd.PersistentFlags().String("config", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug")
	rootCmd.PersistentFlags().String("log-file", "", "Append process logs to this file instead of stderr")
	rootCmd.PersistentFlags().String("format", "auto", "Input format: auto, elf, pe, sc32, sc64 or sc-arm64")
	rootCmd.PersistentFlags().String("base", fmt.Sprintf("%#x", workspace.DefaultShellcodeBase), "Load address of raw shellcode (hex)")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colours")

	rootCmd.Flags().BoolP("help", "h", false, "Help")
	rootCmd.Flags().String("cpuprofile", "", "Write CPU profile to file")

	rootCmd.AddCommand(featuresCmd, disasmCmd, reportCmd, browseCmd, schemaCmd)
}

var rootCmd = &cobra.Command{
	Use:   "capa [file]",
	Short: "Extract capability features from executable code",
	Long: `capa disassembles a binary and reports the features of every function:
imported APIs, constants, strings, structure offsets, mnemonics and
characteristics such as non-zeroing xor or PEB access.`,
	Example: `
# Browse the functions of a binary
capa /path/to/binary

# Stream features as JSON lines
capa features --json /path/to/binary | jq .

# Raw 32-bit shellcode loaded at 0x1000
capa features --format sc32 --base 0x1000 payload.bin
  `,
	Args: cobra.MaximumNArgs(1),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := ResolveCwd(cmd); err != nil {
			return err
		}
		debug, _ := cmd.Flags().GetBool("debug")
		logFile, _ := cmd.Flags().GetString("log-file")
		capalog.Setup(logFile, debug)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}

		cpuprofile, _ := cmd.Flags().GetString("cpuprofile")
		if cpuprofile != "" {
			f, err := os.Create(cpuprofile)
			if err != nil {
				return fmt.Errorf("could not create CPU profile: %v", err)
			}
			defer f.Close()
			if err := pprof.StartCPUProfile(f); err != nil {
				return fmt.Errorf("could not start CPU profile: %v", err)
			}
			defer pprof.StopCPUProfile()
		}

		if interactive() {
			return runBrowse(cmd, args)
		}
		return runFeatures(cmd, args)
	},
}

func interactive() bool {
	return term.IsTerminal(os.Stdout.Fd()) && term.IsTerminal(os.Stdin.Fd())
}

func Execute() {
	// fang renders help and errors as styled markdown; skip it when the
	// output is piped so machine readers get plain text
	if !term.IsTerminal(os.Stdout.Fd()) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if err := rootCmd.ExecuteContext(ctx); err != nil {
			stop()
			os.Exit(1)
		}
		return
	}

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}

func ResolveCwd(cmd *cobra.Command) (string, error) {
	cwd, _ := cmd.Flags().GetString("cwd")
	if cwd != "" {
		err := os.Chdir(cwd)
		if err != nil {
			return "", fmt.Errorf("failed to change directory: %v", err)
		}
		return cwd, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current working directory: %v", err)
	}
	return cwd, nil
}

package cmd

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Ana06/capa/internal/analysis"
	"github.com/Ana06/capa/internal/backend"
	"github.com/Ana06/capa/internal/backend/arm64"
	"github.com/Ana06/capa/internal/backend/x86"
	"github.com/Ana06/capa/internal/config"
	"github.com/Ana06/capa/internal/elfx"
	"github.com/Ana06/capa/internal/extract"
	"github.com/Ana06/capa/internal/logging"
	"github.com/Ana06/capa/internal/pex"
	"github.com/Ana06/capa/internal/workspace"
)

var (
	ErrUnknownFormat = errors.New("unrecognised file format (use --format sc32, sc64 or sc-arm64 for raw code)")
	ErrUnknownArch   = errors.New("no decoder for architecture")
)

// shellcodeArchs maps --format values to architectures.
var shellcodeArchs = map[string]string{
	"sc32":     "x86",
	"sc64":     "x86_64",
	"sc-arm64": "arm64",
}

// session is one opened binary with everything needed to extract it.
type session struct {
	cfg       config.Config
	path      string
	src       workspace.Source
	ws        *workspace.Workspace
	backend   *backend.Disassembler
	extractor *extract.Extractor
	logger    *logging.LoggerCloser
	closer    io.Closer
}

// detectFormat names the container format from the leading bytes.
func detectFormat(head []byte) string {
	switch {
	case bytes.HasPrefix(head, []byte("\x7fELF")):
		return "elf"
	case bytes.HasPrefix(head, []byte("MZ")):
		return "pe"
	}
	return ""
}

// openSource loads path as format. An empty format means auto-detect.
func openSource(path, format string, base uint64) (workspace.Source, io.Closer, error) {
	if format == "" || format == "auto" {
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, err
		}
		head := make([]byte, 4)
		n, _ := io.ReadFull(f, head)
		f.Close()
		format = detectFormat(head[:n])
	}

	switch format {
	case "elf":
		im, err := elfx.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return im, im, nil
	case "pe":
		im, err := pex.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return im, im, nil
	}

	arch, ok := shellcodeArchs[format]
	if !ok {
		return nil, nil, ErrUnknownFormat
	}
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return workspace.Shellcode(filepath.Base(path), arch, base, code), nopCloser{}, nil
}

func decoderFor(arch string) (backend.Decoder, error) {
	switch arch {
	case "x86":
		return x86.New(32), nil
	case "x86_64":
		return x86.New(64), nil
	case "arm64":
		return arm64.New(), nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownArch, arch)
}

// newSession opens path and wires the workspace, backend and extractor.
// The caller must close the session.
func newSession(cfg config.Config, path, format string, base uint64) (*session, error) {
	src, closer, err := openSource(path, format, base)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	ws, err := workspace.New(src)
	if err != nil {
		closer.Close()
		return nil, err
	}
	if err := ws.Prepare(); err != nil {
		closer.Close()
		return nil, err
	}
	dec, err := decoderFor(src.Arch())
	if err != nil {
		closer.Close()
		return nil, err
	}

	lg := logging.NewLogger(cfg.Debug)
	be := backend.New(ws, dec,
		backend.WithMaxFunctionInsns(cfg.MaxFunctionInsns),
		backend.WithLogger(lg.Logger),
	)
	x := extract.New(ws, extract.DefaultHandlers(), cfg.Policy(),
		extract.WithLogger(lg.Logger),
		extract.WithWorkers(cfg.Workers),
		extract.WithThunks(be),
	)
	return &session{
		cfg:       cfg,
		path:      path,
		src:       src,
		ws:        ws,
		backend:   be,
		extractor: x,
		logger:    lg,
		closer:    closer,
	}, nil
}

func (s *session) Close() error {
	entries, hits := analysis.DemangleCacheStats()
	s.logger.Debug("demangle cache", "entries", entries, "hits", hits)

	err := s.closer.Close()
	if lerr := s.logger.Close(); err == nil {
		err = lerr
	}
	return err
}

// functionName returns the symbol at va or the sub_ placeholder.
func (s *session) functionName(va uint64) string {
	if name, ok := s.ws.SymbolAt(va); ok {
		return name
	}
	return fmt.Sprintf("sub_%x", va)
}

// sessionFromFlags loads the configuration, applies the command line
// overrides and opens the binary named by args[0].
func sessionFromFlags(cmd *cobra.Command, args []string) (*session, error) {
	cfg, err := configFromFlags(cmd)
	if err != nil {
		return nil, err
	}
	format, _ := cmd.Flags().GetString("format")
	baseText, _ := cmd.Flags().GetString("base")
	base, err := parseVA(baseText)
	if err != nil {
		return nil, fmt.Errorf("--base: %w", err)
	}
	return newSession(cfg, args[0], format, base)
}

func configFromFlags(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Debug = true
	}
	if f := cmd.Flags().Lookup("workers"); f != nil && f.Changed {
		cfg.Workers, _ = cmd.Flags().GetInt("workers")
	}
	if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
		cfg.NoColor = true
	}
	if cfg.NoColor {
		os.Setenv("CAPA_NO_COLOR", "1")
	}
	return cfg, cfg.Validate()
}

// parseVA parses a hexadecimal address with or without the 0x prefix.
func parseVA(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, errors.New("empty address")
	}
	return strconv.ParseUint(s, 16, 64)
}

// digest returns the sha256 of the file at path.
func digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

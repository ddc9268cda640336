package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/embedserve/internal/config"
	"github.com/nidhogg/embedserve/internal/embedding"
	"github.com/nidhogg/embedserve/internal/validator"
)

var embedCmd = &cobra.Command{
	Use:   "embed [text...]",
	Short: "Embed texts once through the configured backend",
	Long: `Embed the given texts with the configured model and print the result
as JSON. With no arguments, one text is read per line from stdin. The same
limits as POST /embed apply.`,
	RunE: runEmbed,
}

func init() {
	rootCmd.AddCommand(embedCmd)
}

type embedOutput struct {
	Provider  string      `json:"provider"`
	Model     string      `json:"model"`
	Dim       int         `json:"dim"`
	Embedding interface{} `json:"embedding"`
	Count     int         `json:"count,omitempty"`
}

func runEmbed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	texts := args
	if len(texts) == 0 {
		if stdinIsTerminal() {
			return fmt.Errorf("no texts given: pass them as arguments or pipe them on stdin")
		}
		texts, err = readLines(cmd.InOrStdin())
		if err != nil {
			return err
		}
	}

	// keep stdout for the JSON result
	logger, err := newLogger(cfg, "stderr")
	if err != nil {
		return err
	}
	defer logger.Sync()

	return embedTexts(cmd.Context(), cfg, logger, texts, cmd.OutOrStdout())
}

// embedTexts validates texts, loads the model and writes the JSON result to w.
// A single text produces a flat vector, several produce a list.
func embedTexts(ctx context.Context, cfg *config.Config, logger *zap.Logger, texts []string, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	in := validator.Input{Texts: make([]*string, len(texts))}
	for i := range texts {
		in.Texts[i] = &texts[i]
	}
	if len(texts) == 1 {
		in = validator.Input{Text: &texts[0]}
	}
	res, verr := validator.Validate(in, validator.Limits{
		MaxTexts:        cfg.Limits.MaxTextsPerRequest,
		MaxCharsPerText: cfg.Limits.MaxCharsPerText,
		MaxTotalChars:   cfg.Limits.MaxTotalChars,
	})
	if verr != nil {
		return verr
	}

	opts := embedding.OptionsFromConfig(cfg)
	p, err := embedding.Load(ctx, opts, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	vectors, err := p.Embed(ctx, res.Texts)
	if err != nil {
		return err
	}

	out := embedOutput{Provider: p.Name(), Model: p.Model(), Dim: p.Dimension()}
	if in.Batch() {
		out.Embedding = vectors
		out.Count = len(vectors)
	} else {
		out.Embedding = vectors[0]
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return lines, nil
}

// stdinIsTerminal reports whether stdin is interactive.
func stdinIsTerminal() bool {
	fi, err := os.Stdin.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/therealutkarshpriyadarshi/intelwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/parser"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/topology"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/tracker"
)

type parseOptions struct {
	channel   string
	character string
	encoding  string
	regions   []string
	bridges   string
}

func newParseCommand() *cobra.Command {
	opts := &parseOptions{}
	cmd := &cobra.Command{
		Use:   "parse <logfile>",
		Short: "Parse a whole chat log and print messages as JSON lines",
		Long: `Parse a chat log offline. Channel and character default to the values
encoded in the file name. Without --region no systems are known, so only
locations and broadcasts carry a system.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runParse(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.channel, "channel", "", "channel name (default from file name)")
	cmd.Flags().StringVar(&opts.character, "character", "", "character name (default from file name)")
	cmd.Flags().StringVar(&opts.encoding, "encoding", "auto", "log encoding: auto, utf-8 or utf-16le")
	cmd.Flags().StringSliceVar(&opts.regions, "region", nil, "region file or URL (repeatable)")
	cmd.Flags().StringVar(&opts.bridges, "bridges", "", "jump bridge file or URL")
	return cmd
}

func runParse(ctx context.Context, stdout, stderr io.Writer, path string, opts *parseOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	channel, character := opts.channel, opts.character
	if fileChannel, fileCharacter, err := tracker.ParseLogName(filepath.Base(path)); err == nil {
		if channel == "" {
			channel = fileChannel
		}
		if character == "" {
			character = fileCharacter
		}
	}

	var systems parser.SystemIndex
	if len(opts.regions) > 0 {
		topo, err := topology.NewLoader(logging.Nop()).Load(ctx, opts.regions, opts.bridges)
		if err != nil {
			return fmt.Errorf("failed to load topology: %w", err)
		}
		systems = topo
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	defer f.Close()

	r, err := decodingReader(f, opts.encoding)
	if err != nil {
		return err
	}

	p := parser.NewChatParser(systems)
	src := parser.Source{Character: character, Channel: channel}
	enc := json.NewEncoder(stdout)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	var total, parsed int
	for scanner.Scan() {
		total++
		msg := p.Parse(scanner.Text(), src, 0)
		if msg == nil {
			continue
		}
		parsed++
		if err := enc.Encode(msg); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read log: %w", err)
	}

	fmt.Fprintf(stderr, "parsed %d of %d lines\n", parsed, total)
	return nil
}

// decodingReader converts the log to UTF-8. auto honours a byte order mark
// and falls back to UTF-8.
func decodingReader(r io.Reader, encoding string) (io.Reader, error) {
	switch encoding {
	case "", "auto":
		return transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder())), nil
	case tracker.EncodingUTF8:
		return transform.NewReader(r, unicode.UTF8BOM.NewDecoder()), nil
	case tracker.EncodingUTF16LE:
		return transform.NewReader(r, unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()), nil
	}
	return nil, fmt.Errorf("unsupported encoding: %s", encoding)
}

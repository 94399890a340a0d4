package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/intelwatch/internal/config"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/security"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a configuration file",
		Long: `Validate a configuration file without starting the pipeline.

Checks YAML syntax, required fields, log encoding, reputation services,
region sources and output definitions.`,
		Args: cobra.ExactArgs(1),
		RunE: runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(args[0])
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration valid!\n")
	fmt.Fprintf(out, "  Log directory: %s (%s)\n", cfg.Logs.Directory, cfg.Logs.Encoding)
	fmt.Fprintf(out, "  Regions:       %d source(s)\n", len(cfg.Map.RegionSources))

	var services []string
	for _, s := range []struct{ name, url string }{
		{"kos", cfg.Resolver.KOSURL},
		{"rbl", cfg.Resolver.RBLURL},
		{"ess", cfg.Resolver.ESSURL},
	} {
		if s.url != "" {
			services = append(services, s.name)
		}
	}
	fmt.Fprintf(out, "  Services:      %v\n", services)

	fmt.Fprintf(out, "\nOutputs:\n")
	for i, def := range cfg.Outputs.Definitions {
		events := "all"
		if len(def.Events) > 0 {
			events = fmt.Sprint(def.Events)
		}
		fmt.Fprintf(out, "  %d. [%s] %s events=%s\n", i+1, def.Type, def.Name, events)
		switch {
		case def.Kafka != nil && def.Kafka.SASLEnabled:
			fmt.Fprintf(out, "     sasl %s password=%s\n", def.Kafka.SASLUsername, security.Redact(def.Kafka.SASLPassword))
		case def.Elasticsearch != nil && def.Elasticsearch.APIKey != "":
			fmt.Fprintf(out, "     api_key=%s\n", security.Redact(def.Elasticsearch.APIKey))
		case def.Elasticsearch != nil && def.Elasticsearch.Username != "":
			fmt.Fprintf(out, "     user %s password=%s\n", def.Elasticsearch.Username, security.Redact(def.Elasticsearch.Password))
		}
	}
	if dl := cfg.Outputs.DeadLetter; dl != nil {
		fmt.Fprintf(out, "  dead letter: %s\n", dl.Dir)
	}
	return nil
}

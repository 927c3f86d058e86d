package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/intellimaint/edge/collector"
	"github.com/intellimaint/edge/collector/cip"
	"github.com/intellimaint/edge/collector/opcua"
	"github.com/intellimaint/edge/config"
	"github.com/intellimaint/edge/store"
)

var flagSkipProbe bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and rules file, then probe the endpoints",
	RunE:  runCheck,
}

func init() {
	checkCmd.Flags().BoolVar(&flagSkipProbe, "skip-probe", false, "validate files only, do not contact devices")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	fmt.Fprintf(out, "config %s: ok (%d endpoints, storage %s)\n",
		cfgPath, len(cfg.Endpoints), cfg.Storage.Driver)

	rules, err := store.NewFileRules(cfg.RulesFile, zap.NewNop()).ListEnabled(cmd.Context())
	if err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	fmt.Fprintf(out, "rules %s: ok (%d enabled)\n", cfg.RulesFile, len(rules))

	if flagSkipProbe {
		return nil
	}

	drivers := map[string]collector.Driver{}
	for _, d := range []collector.Driver{cip.New(), opcua.New()} {
		drivers[d.Protocol()] = d
	}

	failed := 0
	for _, ep := range cfg.Descriptors() {
		d, ok := drivers[ep.Protocol]
		if !ok {
			fmt.Fprintf(out, "endpoint %s: skipped (%s has no probe)\n", ep.EndpointID, ep.Protocol)
			continue
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		conn, err := d.Dial(ctx, &ep)
		if err != nil {
			fmt.Fprintf(out, "endpoint %s (%s %s:%d): FAILED: %v\n",
				ep.EndpointID, ep.Protocol, ep.Host, ep.Port, err)
			failed++
			cancel()
			continue
		}
		conn.Close(ctx)
		cancel()
		fmt.Fprintf(out, "endpoint %s (%s %s:%d): ok\n", ep.EndpointID, ep.Protocol, ep.Host, ep.Port)
	}
	if failed > 0 {
		return fmt.Errorf("%d endpoint(s) unreachable", failed)
	}
	return nil
}

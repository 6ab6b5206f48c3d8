package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/leadalloc/app"
	"github.com/kilianp07/leadalloc/config"
	"github.com/kilianp07/leadalloc/core/notify"
	"github.com/kilianp07/leadalloc/infra/logger"
	"github.com/kilianp07/leadalloc/simulator"
)

var simCfg = simulator.DefaultConfig()

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run synthetic leads through an in-process engine and print the resulting shares",
	RunE:  runSimulate,
}

var simBroker string

var respondCmd = &cobra.Command{
	Use:   "respond",
	Short: "Answer offers on an MQTT broker as simulated contractors",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := simCfg.Validate(); err != nil {
			return err
		}
		strat := simulator.RandomResponse{Delay: simCfg.Latency, AcceptRate: simCfg.AcceptRate, DropRate: simCfg.DropRate}
		return simulator.NewResponder(simBroker, strat, simCfg.Seed, logger.New("simulator")).Run(ctx)
	},
}

func init() {
	f := simulateCmd.PersistentFlags()
	f.IntVar(&simCfg.Contractors, "contractors", simCfg.Contractors, "number of generated contractors")
	f.IntVar(&simCfg.Leads, "leads", simCfg.Leads, "number of generated leads")
	f.Uint64Var(&simCfg.Seed, "seed", simCfg.Seed, "random seed")
	f.Float64Var(&simCfg.AcceptRate, "accept-rate", simCfg.AcceptRate, "probability an answered offer is accepted")
	f.Float64Var(&simCfg.DropRate, "drop-rate", simCfg.DropRate, "probability an offer is ignored")
	f.Float64Var(&simCfg.CompleteRate, "complete-rate", simCfg.CompleteRate, "probability an accepted lead completes before the next lead")
	f.Float64Var(&simCfg.RadiusMiles, "radius", simCfg.RadiusMiles, "radius of the simulated area in miles")
	f.IntVar(&simCfg.RebalanceEvery, "rebalance-every", simCfg.RebalanceEvery, "recompute lead shares after this many leads, 0 to disable")
	f.DurationVar(&simCfg.Latency, "latency", 0, "response latency of simulated contractors")
	respondCmd.Flags().StringVar(&simBroker, "broker", "tcp://localhost:1883", "MQTT broker URL")
	simulateCmd.AddCommand(respondCmd)
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	if err := simCfg.Validate(); err != nil {
		return err
	}
	cfg := config.Default()
	if _, err := os.Stat(cfgPath); err == nil {
		if cfg, err = config.Load(cfgPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	cfg.Audit.Backend = "memory"
	cfg.ContractorsPath = ""
	cfg.Logging.Level = "warn"
	svc, err := app.New(cfg, app.Options{Publisher: notify.NopPublisher{}})
	if err != nil {
		return err
	}
	defer svc.Close()

	rng := simulator.NewRand(simCfg.Seed)
	for _, c := range simulator.GenerateContractors(rng, simCfg) {
		if err := svc.Contractors.Upsert(c); err != nil {
			return err
		}
	}
	leads := simulator.GenerateLeads(rng, simCfg)
	strat := simulator.RandomResponse{AcceptRate: simCfg.AcceptRate, DropRate: simCfg.DropRate}

	ctx := cmd.Context()
	start := time.Now()
	res, err := simulator.New(svc.Manager, strat, simCfg, logger.New("simulator")).
		WithRebalance(svc.Rebalance).
		Run(ctx, leads)
	if err != nil {
		return err
	}
	svc.Rebalance(ctx)
	rep, err := svc.Analytics.Refresh(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "simulated %d leads, %d offers (%d ignored) in %s\n", res.Leads, res.Offers, res.Ignored, time.Since(start).Round(time.Millisecond))
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CONTRACTOR\tKPI\tSHARE %\tRECEIVED\tACCEPTED")
	cs := svc.Contractors.List()
	sort.Slice(cs, func(i, j int) bool { return cs[i].Stats.LeadSharePercentage > cs[j].Stats.LeadSharePercentage })
	for _, c := range cs {
		fmt.Fprintf(w, "%s\t%.0f\t%.1f\t%d\t%d\n", c.ID, c.KPI.OverallScore, c.Stats.LeadSharePercentage, c.Stats.TotalReceived, c.Stats.Accepted)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Statuses any `json:"statuses"`
		Report   any `json:"analytics"`
	}{res.Statuses, rep})
}

package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/edgedlt/byzzbench"
	"github.com/edgedlt/byzzbench/campaign"
	"github.com/edgedlt/byzzbench/commitlog"
	"github.com/edgedlt/byzzbench/scenario"
	"github.com/edgedlt/byzzbench/scheduler"
	"github.com/edgedlt/byzzbench/store"
)

// commonFlags are shared by every command.
type commonFlags struct {
	config *string
}

var commonKeys = map[string]string{
	"store":     "store.path",
	"log-level": "log.level",
	"dev":       "log.development",
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	c := commonFlags{config: fs.String("config", "", "configuration file (YAML, TOML or JSON)")}
	fs.String("store", "", "bolt database for recorded runs")
	fs.String("log-level", "info", "log level")
	fs.Bool("dev", false, "human-readable development logging")
	return c
}

var scenarioKeys = map[string]string{
	"protocol":   "scenario.protocol",
	"replicas":   "scenario.replicas",
	"faults":     "scenario.faults",
	"clients":    "scenario.clients",
	"requests":   "scenario.requests",
	"scheduler":  "scenario.scheduler",
	"drop":       "scenario.drop-probability",
	"mutate":     "scenario.mutate-probability",
	"behavior":   "scenario.behavior",
	"faulty":     "scenario.faulty-replicas",
	"seed":       "scenario.seed",
	"max-events": "scenario.max-events",
	"gst-after":  "scenario.gst-after",
	"signature":  "scenario.signature-scheme",
}

func addScenarioFlags(fs *flag.FlagSet) {
	d := byzzbench.DefaultConfig()
	fs.String("protocol", string(d.Protocol), "protocol (pbft or hotstuff)")
	fs.Int("replicas", d.Replicas, "number of replicas")
	fs.Int("faults", 0, "tolerated faults f (default (n-1)/3)")
	fs.Int("clients", d.Clients, "number of clients")
	fs.Int("requests", d.Requests, "operations per client")
	fs.String("scheduler", d.Scheduler, "scheduler (fifo or random)")
	fs.Float64("drop", d.DropProbability, "random scheduler drop probability")
	fs.Float64("mutate", d.MutateProbability, "random scheduler mutation probability")
	fs.String("behavior", string(d.Behavior), "faulty behavior")
	fs.Int("faulty", 0, "number of faulty replicas (default f)")
	fs.Int64("seed", d.Seed, "random seed")
	fs.Int("max-events", d.MaxEvents, "maximum scheduler steps")
	fs.Int("gst-after", d.GSTAfter, "step of the global stabilization time (0 disables)")
	fs.String("signature", d.SignatureScheme, "HotStuff vote signature scheme")
}

// setup loads the configuration file, applies the flags set on the command
// line and builds the logger.
func setup(fs *flag.FlagSet, c commonFlags, keys ...map[string]string) (*viper.Viper, *zap.Logger, error) {
	v := newViper()
	if err := readConfigFile(v, *c.config); err != nil {
		return nil, nil, err
	}
	bindFlags(v, fs, commonKeys)
	for _, k := range keys {
		bindFlags(v, fs, k)
	}
	logger, err := newLogger(v)
	if err != nil {
		return nil, nil, err
	}
	return v, logger, nil
}

func parse(fs *flag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func runCommand(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(out)
	common := addCommonFlags(fs)
	addScenarioFlags(fs)
	id := fs.String("id", "", "ID of the saved run (default: generated)")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	v, logger, err := setup(fs, common, scenarioKeys)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := scenarioConfig(v, logger)
	if err != nil {
		return err
	}
	s, err := scenario.New(cfg)
	if err != nil {
		return err
	}
	sched, err := scenario.NewScheduler(cfg, s.MutatorRegistry())
	if err != nil {
		return err
	}
	res, err := s.Run(ctx, sched)
	if err != nil {
		return err
	}
	printResult(out, res)

	if path := v.GetString("store.path"); path != "" {
		runID := *id
		if runID == "" {
			runID = fmt.Sprintf("%s-%s-%d-%d", cfg.Protocol, cfg.Behavior, cfg.Seed, time.Now().Unix())
		}
		if err := saveRuns(path, logger, func(st *store.Store) error {
			return saveScenario(st, runID, s, res)
		}); err != nil {
			return err
		}
		fmt.Fprintf(out, "Saved run %s\n", runID)
	}

	if !res.Success() {
		return errViolations
	}
	return nil
}

var campaignKeys = map[string]string{
	"count":        "campaign.count",
	"workers":      "campaign.workers",
	"min-faults":   "campaign.min-faults",
	"max-faults":   "campaign.max-faults",
	"max-clients":  "campaign.max-clients",
	"random-share": "campaign.random-share",
	"max-events":   "campaign.max-events",
	"gst-after":    "campaign.gst-after",
	"seed":         "campaign.seed",
	"save-all":     "campaign.save-all",
}

func campaignCommand(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("campaign", flag.ContinueOnError)
	fs.SetOutput(out)
	common := addCommonFlags(fs)
	g := scenario.DefaultGeneratorConfig()
	fs.Int("count", 20, "number of scenarios")
	fs.Int("workers", 4, "scenarios run in parallel")
	fs.Int("min-faults", g.MinFaults, "minimum f")
	fs.Int("max-faults", g.MaxFaults, "maximum f")
	fs.Int("max-clients", g.MaxClients, "maximum clients per scenario")
	fs.Float64("random-share", g.RandomShare, "share of scenarios using the random scheduler")
	fs.Int("max-events", g.MaxEvents, "maximum steps per scenario")
	fs.Int("gst-after", g.GSTAfter, "step of the global stabilization time")
	fs.Int64("seed", g.Seed, "generator seed")
	fs.Bool("save-all", false, "store every run, not only the flagged ones")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	v, logger, err := setup(fs, common, campaignKeys)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	gen := scenario.NewGenerator(generatorConfig(v))
	cfgs, err := gen.GenerateN(v.GetInt("campaign.count"))
	if err != nil {
		return err
	}

	opts := campaign.Options{Workers: v.GetInt("campaign.workers"), Logger: logger}

	var (
		st       *store.Store
		saveErrs []error
	)
	if path := v.GetString("store.path"); path != "" {
		st, err = store.Open(path, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		saveAll := v.GetBool("campaign.save-all")
		seed := v.GetInt64("campaign.seed")
		opts.OnOutcome = func(o campaign.Outcome, s *scenario.Scenario) {
			if o.Result == nil || s == nil || (!saveAll && o.Result.Success()) {
				return
			}
			id := fmt.Sprintf("campaign-%d-%04d", seed, o.Index)
			if err := saveScenario(st, id, s, o.Result); err != nil {
				saveErrs = append(saveErrs, err)
			}
		}
	}

	summary, runErr := campaign.Run(ctx, cfgs, opts)
	if err := summary.Report(out); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if err := errors.Join(saveErrs...); err != nil {
		return err
	}
	if summary.Violating > 0 || summary.Failed > 0 {
		return errViolations
	}
	return nil
}

func replayCommand(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(out)
	common := addCommonFlags(fs)
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if fs.NArg() != 1 {
		return byzzbench.WrapConfigf("replay takes exactly one run ID")
	}

	v, logger, err := setup(fs, common)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	path := v.GetString("store.path")
	if path == "" {
		return byzzbench.WrapConfigf("replay needs -store")
	}
	st, err := store.Open(path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	stored, err := st.LoadRun(fs.Arg(0))
	if err != nil {
		return err
	}
	res, err := replay(ctx, stored, logger)
	if err != nil {
		return err
	}
	printResult(out, res)

	if !sameLogs(stored.CommitLogs, res.CommitLogs) {
		return fmt.Errorf("%w: replayed commit logs differ from the recorded ones", byzzbench.ErrInternal)
	}
	fmt.Fprintf(out, "Replay of %s matches the recorded commit logs\n", stored.ID)
	if !res.Success() {
		return errViolations
	}
	return nil
}

// replay re-executes a stored run under its recorded schedule.
func replay(ctx context.Context, stored *store.Run, logger *zap.Logger) (*scenario.Result, error) {
	cfg, err := stored.ScenarioConfig(logger)
	if err != nil {
		return nil, err
	}
	s, err := scenario.New(cfg)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, scheduler.NewReplay(stored.Decisions(), s.MutatorRegistry()))
}

func listCommand(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(out)
	common := addCommonFlags(fs)
	if ok, err := parse(fs, args); !ok {
		return err
	}

	v, logger, err := setup(fs, common)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	path := v.GetString("store.path")
	if path == "" {
		return byzzbench.WrapConfigf("list needs -store")
	}
	st, err := store.Open(path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROTOCOL\tBEHAVIOR\tSCHEDULER\tSEED\tSTEPS\tVIOLATIONS\tCREATED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.ID, r.Protocol, r.Behavior, r.Scheduler, r.Seed, r.Steps, r.Violations,
			r.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func saveRuns(path string, logger *zap.Logger, fn func(*store.Store) error) error {
	st, err := store.Open(path, logger)
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		st.Close()
		return err
	}
	return st.Close()
}

func saveScenario(st *store.Store, id string, s *scenario.Scenario, res *scenario.Result) error {
	run, err := store.NewRun(id, s, res)
	if err != nil {
		return err
	}
	return st.SaveRun(run)
}

func printResult(w io.Writer, res *scenario.Result) {
	fmt.Fprintf(w, "Protocol:   %s (%s, %s scheduler, seed %d)\n", res.Protocol, res.Behavior, res.Scheduler, res.Seed)
	fmt.Fprintf(w, "Steps:      %d (quiescent: %t)\n", res.Steps, res.Quiescent)
	fmt.Fprintf(w, "Operations: %d/%d completed\n", res.Completed, res.Expected)
	fmt.Fprintf(w, "Events:     %d delivered, %d dropped, %d mutated\n", res.Delivered, res.Dropped, res.Mutations)
	if res.GSTStep >= 0 {
		fmt.Fprintf(w, "GST:        step %d\n", res.GSTStep)
	}

	ids := make([]byzzbench.NodeID, 0, len(res.CommitLogs))
	for id := range res.CommitLogs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fmt.Fprintf(w, "  %s: view %d, %d committed\n", id, res.Views[id], len(res.CommitLogs[id]))
	}

	if len(res.Violations) == 0 {
		fmt.Fprintln(w, "No violations")
		return
	}
	fmt.Fprintf(w, "Violations (%d):\n", len(res.Violations))
	for _, v := range res.Violations {
		fmt.Fprintf(w, "  %s\n", v)
	}
}

func sameLogs(a, b map[byzzbench.NodeID][]commitlog.Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for id, entries := range a {
		other, ok := b[id]
		if !ok || len(other) != len(entries) {
			return false
		}
		for i := range entries {
			if entries[i].Seq != other[i].Seq || !bytes.Equal(entries[i].Value, other[i].Value) {
				return false
			}
		}
	}
	return true
}

// Command fusion replays a recorded sensor log through the target estimator,
// optionally persisting the run to SQLite and rendering an HTML report.
//
// Usage:
//
//	fusion -input flight.jsonl [-config tuning.json] [-db runs.db] [-report out.html] [-units kph]
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"time"

	"github.com/banshee-data/targetfusion/internal/config"
	"github.com/banshee-data/targetfusion/internal/estimator"
	"github.com/banshee-data/targetfusion/internal/replay"
	"github.com/banshee-data/targetfusion/internal/storage/sqlite"
	"github.com/banshee-data/targetfusion/internal/timeutil"
	"github.com/banshee-data/targetfusion/internal/units"
	"github.com/banshee-data/targetfusion/internal/version"
)

func main() {
	inputPath := flag.String("input", "", "sensor log to replay (JSON lines)")
	configPath := flag.String("config", "", "tuning config JSON (defaults used when empty)")
	dbPath := flag.String("db", "", "SQLite database to persist the run (optional)")
	reportPath := flag.String("report", "", "HTML report output path (optional)")
	speedUnits := flag.String("units", units.MPS, "speed units for the summary (mps, mph, kmph, kph)")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("fusion %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}
	if *inputPath == "" {
		flag.Usage()
		os.Exit(2)
	}
	if !units.IsValidSpeedUnit(*speedUnits) {
		log.Fatalf("invalid units %q (valid: %v)", *speedUnits, units.ValidSpeedUnits)
	}

	tuning := config.EmptyTuningConfig()
	if *configPath != "" {
		var err error
		tuning, err = config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
	}
	cfg := estimator.ConfigFromTuning(tuning)

	in, err := os.Open(*inputPath)
	if err != nil {
		log.Fatalf("open input: %v", err)
	}
	defer in.Close()

	base := time.Now()
	clock := timeutil.NewMockClock(base)
	est := estimator.New(cfg, clock)
	runner := replay.NewRunner(est, clock, base)

	res, err := runner.Run(in)
	if err != nil {
		log.Fatalf("replay failed: %v", err)
	}

	printSummary(res, est, *speedUnits)

	if *dbPath != "" {
		if err := persistRun(*dbPath, *inputPath, tuning, res); err != nil {
			log.Fatalf("persist run: %v", err)
		}
	}
	if *reportPath != "" {
		if err := renderReport(*reportPath, base, res); err != nil {
			log.Fatalf("render report: %v", err)
		}
		log.Printf("[Fusion] wrote report to %s", *reportPath)
	}
}

func printSummary(res *replay.Result, est *estimator.Estimator, speedUnits string) {
	log.Printf("[Fusion] replayed %d cycles", res.Cycles)

	types := make([]string, 0, len(res.Summaries))
	for k := range res.Summaries {
		types = append(types, k)
	}
	sort.Strings(types)
	for _, k := range types {
		s := res.Summaries[k]
		log.Printf("[Fusion] %-16s attempted=%d fused=%d rejected=%d mean_nis=%.2f",
			k, s.Attempted, s.Fused, s.Rejected, s.MeanTestRatio)
	}

	if len(res.States) == 0 {
		return
	}
	last := res.States[len(res.States)-1]
	dist := math.Sqrt(last.RelPos[0]*last.RelPos[0] + last.RelPos[1]*last.RelPos[1] + last.RelPos[2]*last.RelPos[2])
	speed := math.Sqrt(last.TargetVel[0]*last.TargetVel[0] + last.TargetVel[1]*last.TargetVel[1] + last.TargetVel[2]*last.TargetVel[2])
	log.Printf("[Fusion] final state: valid=%v stale=%v range=%.2fm target_speed=%.2f %s",
		last.Valid, last.Stale, dist, units.ConvertSpeed(speed, speedUnits), speedUnits)

	predict, update := est.PerfCounters()
	log.Printf("[Fusion] %s; %s", predict, update)
}

func persistRun(dbPath, sourcePath string, tuning *config.TuningConfig, res *replay.Result) error {
	db, err := sqlite.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	params, err := json.Marshal(tuning)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	store := sqlite.NewRunStore(db)
	run := &sqlite.FusionRun{SourcePath: sourcePath, ParamsJSON: params}
	if err := store.InsertRun(run); err != nil {
		return err
	}
	for _, st := range res.States {
		if err := store.InsertState(run.RunID, st); err != nil {
			return err
		}
	}
	if err := store.InsertInnovations(run.RunID, res.Innovations); err != nil {
		return err
	}
	if err := store.CompleteRun(run.RunID, int64(res.Cycles)); err != nil {
		return err
	}
	log.Printf("[Fusion] persisted run %s to %s", run.RunID, dbPath)
	return nil
}

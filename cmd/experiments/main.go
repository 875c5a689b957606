// Command experiments runs a trial plan, prints the results table and
// promotes the best run to Production.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/YuminosukeSato/scitrack/internal/app"
	"github.com/YuminosukeSato/scitrack/pkg/errors"
	"github.com/YuminosukeSato/scitrack/pkg/log"
	"github.com/YuminosukeSato/scitrack/promotion"
	"github.com/YuminosukeSato/scitrack/trial"
)

func main() {
	configFile := flag.String("config", "", "config file (default: ./configs/config.yaml if present)")
	planFile := flag.String("plan", "", "trial plan YAML (default: plan_path from config, else the built-in plan)")
	noPromote := flag.Bool("no-promote", false, "do not promote the best run")
	noFigures := flag.Bool("no-figures", false, "skip confusion matrix attachments")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configFile, *planFile, !*noPromote, !*noFigures); err != nil {
		log.GetLogger().Error("experiments failed", log.ErrAttrKey, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configFile, planFile string, promote, figures bool) error {
	env, err := app.Open(ctx, configFile, "experiments")
	if err != nil {
		return err
	}
	defer env.Close(context.Background())

	plan, err := loadPlan(planFile, env.Config.PlanPath)
	if err != nil {
		return err
	}
	env.Logger.Info("plan loaded",
		log.ExperimentKey, plan.Experiment,
		"trials", len(plan.Trials),
		log.MetricKey, plan.SelectionMetric,
	)

	exec := trial.NewExecutor(env.Store, plan.Experiment,
		trial.WithLogger(env.Logger),
		trial.WithFigures(figures),
	)
	result, _, err := exec.RunPlan(ctx, plan)
	if err != nil {
		return err
	}
	if err := result.WriteSummary(os.Stdout, plan.SelectionMetric); err != nil {
		return err
	}
	if result.Err != nil {
		return errors.Wrap(result.Err, "batch interrupted")
	}
	if len(result.Runs) == 0 {
		return errors.NewEmptyInputError("experiments")
	}

	if !promote || !plan.Promote {
		env.Logger.Info("promotion skipped")
		return nil
	}
	res, err := promotion.NewPromoter(env.Store, env.Registry, env.Logger).
		PromoteBest(ctx, plan.Experiment, plan.ModelName, plan.SelectionMetric)
	if err != nil {
		return err
	}
	fmt.Printf("\nPromoted %s (run %s) as %s version %d [%s]\n",
		res.Run.DisplayName, res.Run.ID, res.Version.ModelName, res.Version.Number, res.Version.Stage)
	return nil
}

func loadPlan(flagPath, configPath string) (trial.Plan, error) {
	switch {
	case flagPath != "":
		return trial.LoadPlan(flagPath)
	case configPath != "":
		return trial.LoadPlan(configPath)
	default:
		return trial.DefaultPlan(), nil
	}
}

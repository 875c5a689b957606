// Command promote moves a run, or the best run of an experiment, to
// Production and lists the model's versions.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/YuminosukeSato/scitrack/internal/app"
	"github.com/YuminosukeSato/scitrack/pkg/log"
	"github.com/YuminosukeSato/scitrack/promotion"
	"github.com/YuminosukeSato/scitrack/registry"
)

func main() {
	configFile := flag.String("config", "", "config file")
	runID := flag.String("run", "", "run ID to promote (default: best run of the experiment)")
	modelName := flag.String("model", "", "registered model name (default: model_name from config)")
	metric := flag.String("metric", "", "selection metric (default: fallback_metric from config)")
	stage := flag.String("stage", "", "move -version to this stage instead of promoting")
	version := flag.Int("version", 0, "version number for -stage")
	flag.Parse()

	if err := run(context.Background(), *configFile, *runID, *modelName, *metric, *stage, *version); err != nil {
		log.GetLogger().Error("promote failed", log.ErrAttrKey, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configFile, runID, modelName, metric, stage string, version int) error {
	env, err := app.Open(ctx, configFile, "promote")
	if err != nil {
		return err
	}
	defer env.Close(context.Background())

	if modelName == "" {
		modelName = env.Config.ModelName
	}
	if metric == "" {
		metric = env.Config.FallbackMetric
	}

	switch {
	case stage != "":
		target, err := registry.ParseStage(stage)
		if err != nil {
			return err
		}
		if _, err := env.Registry.Transition(ctx, modelName, version, target); err != nil {
			return err
		}
	case runID != "":
		if _, err := promotion.NewPromoter(env.Store, env.Registry, env.Logger).PromoteRun(ctx, runID, modelName); err != nil {
			return err
		}
	default:
		if _, err := promotion.NewPromoter(env.Store, env.Registry, env.Logger).
			PromoteBest(ctx, env.Config.ExperimentName, modelName, metric); err != nil {
			return err
		}
	}

	versions, err := env.Registry.List(ctx, modelName)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTAGE\tRUN\tUPDATED")
	for _, v := range versions {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", v.Number, v.Stage, v.SourceRunID, v.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

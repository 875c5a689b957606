// Command verify loads the model the server would serve and predicts a few
// freshly generated samples.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/scitrack/datasets"
	"github.com/YuminosukeSato/scitrack/internal/app"
	"github.com/YuminosukeSato/scitrack/pkg/errors"
	"github.com/YuminosukeSato/scitrack/pkg/log"
	"github.com/YuminosukeSato/scitrack/serving"
)

func main() {
	configFile := flag.String("config", "", "config file")
	n := flag.Int("n", 5, "number of samples to predict")
	seed := flag.Int64("seed", 7, "sample generator seed")
	flag.Parse()

	if err := run(context.Background(), *configFile, *n, *seed); err != nil {
		log.GetLogger().Error("verify failed", log.ErrAttrKey, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configFile string, n int, seed int64) error {
	env, err := app.Open(ctx, configFile, "verify")
	if err != nil {
		return err
	}
	defer env.Close(context.Background())
	cfg := env.Config

	handle := serving.NewHandle(serving.NewResolver(env.Registry, env.Store, env.Logger), serving.Target{
		ModelName:      cfg.ModelName,
		Experiment:     cfg.ExperimentName,
		FallbackMetric: cfg.FallbackMetric,
	}, env.Logger)
	if _, err := handle.Reload(ctx); err != nil {
		return err
	}
	svc := serving.NewService(handle, env.Logger)
	info, err := svc.Info()
	if err != nil {
		return err
	}
	fmt.Printf("Model: %s (%s) source=%s run=%s version=%d\n",
		info.ModelName, info.ModelType, info.Source, info.RunID, info.Version)

	gen := datasets.DefaultClassificationConfig()
	if info.NFeatures > 0 && info.NFeatures != gen.NFeatures {
		return errors.Newf("model expects %d features, sample generator produces %d", info.NFeatures, gen.NFeatures)
	}
	gen.NSamples = max(n, gen.NClasses*gen.NClustersPerClass)
	gen.RandomState = seed
	X, y, err := datasets.MakeClassification(gen)
	if err != nil {
		return err
	}

	correct := 0
	for i := 0; i < n; i++ {
		row := mat.Row(nil, i, X)
		res, err := svc.Predict(ctx, serving.FeatureValues(row...))
		if err != nil {
			return err
		}
		want := int(y.At(i, 0))
		if res.Prediction == want {
			correct++
		}
		fmt.Printf("sample %d: predicted %s, actual Class %d%s\n", i, res.PredictionLabel, want, formatProba(res.Probabilities))
	}
	fmt.Printf("%d/%d correct\n", correct, n)
	return nil
}

func formatProba(p map[string]float64) string {
	if len(p) == 0 {
		return ""
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := " ["
	for i, k := range keys {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s=%.3f", k, p[k])
	}
	return s + "]"
}

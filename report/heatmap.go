// Package report renders per-run figures that are attached to tracked runs.
package report

import (
	"bytes"
	"fmt"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/YuminosukeSato/scitrack/metrics"
	"github.com/YuminosukeSato/scitrack/pkg/errors"
)

// ConfusionMatrixName is the attachment name used for the rendered heatmap.
const ConfusionMatrixName = "confusion_matrix.png"

// HeatmapOptions controls the rendered figure.
type HeatmapOptions struct {
	Title string
	Width vg.Length
	// Height defaults to Width
	Height vg.Length
}

// confusionGrid adapts a confusion matrix to plotter.GridXYZ. Column c is the
// predicted label, row r the true label; row 0 is drawn at the top.
type confusionGrid struct {
	cm *metrics.ConfusionMatrix
}

func (g confusionGrid) Dims() (c, r int) {
	k := len(g.cm.Labels)
	return k, k
}

func (g confusionGrid) Z(c, r int) float64 {
	k := len(g.cm.Labels)
	return float64(g.cm.Counts[k-1-r][c])
}

func (g confusionGrid) X(c int) float64 { return float64(c) }
func (g confusionGrid) Y(r int) float64 { return float64(r) }

// ConfusionHeatmap renders cm as a PNG heatmap annotated with the counts.
func ConfusionHeatmap(cm *metrics.ConfusionMatrix, opts HeatmapOptions) ([]byte, error) {
	if cm == nil || len(cm.Labels) == 0 {
		return nil, errors.NewEmptyInputError("ConfusionHeatmap")
	}
	if opts.Width == 0 {
		opts.Width = 6 * vg.Inch
	}
	if opts.Height == 0 {
		opts.Height = opts.Width
	}
	if opts.Title == "" {
		opts.Title = "Confusion Matrix"
	}

	var out []byte
	err := errors.SafeExecute("ConfusionHeatmap", func() error {
		p := plot.New()
		p.Title.Text = opts.Title
		p.X.Label.Text = "Predicted"
		p.Y.Label.Text = "Actual"

		grid := confusionGrid{cm: cm}
		hm := plotter.NewHeatMap(grid, palette.Heat(12, 1))
		// 全セルが同値だとパレットの範囲が潰れる
		if hm.Min == hm.Max {
			hm.Max = hm.Min + 1
		}
		p.Add(hm)

		k := len(cm.Labels)
		xys := make(plotter.XYs, 0, k*k)
		texts := make([]string, 0, k*k)
		for r := 0; r < k; r++ {
			for c := 0; c < k; c++ {
				xys = append(xys, plotter.XY{X: grid.X(c), Y: grid.Y(r)})
				texts = append(texts, strconv.FormatFloat(grid.Z(c, r), 'f', 0, 64))
			}
		}
		labels, err := plotter.NewLabels(plotter.XYLabels{XYs: xys, Labels: texts})
		if err != nil {
			return errors.Wrap(err, "annotate heatmap")
		}
		p.Add(labels)

		xTicks := make([]plot.Tick, k)
		yTicks := make([]plot.Tick, k)
		for i, l := range cm.Labels {
			xTicks[i] = plot.Tick{Value: float64(i), Label: fmt.Sprintf("Class %d", l)}
			yTicks[k-1-i] = plot.Tick{Value: float64(k - 1 - i), Label: fmt.Sprintf("Class %d", l)}
		}
		p.X.Tick.Marker = plot.ConstantTicks(xTicks)
		p.Y.Tick.Marker = plot.ConstantTicks(yTicks)

		wt, err := p.WriterTo(opts.Width, opts.Height, "png")
		if err != nil {
			return errors.Wrap(err, "create png canvas")
		}
		var buf bytes.Buffer
		if _, err := wt.WriteTo(&buf); err != nil {
			return errors.Wrap(err, "encode png")
		}
		out = buf.Bytes()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

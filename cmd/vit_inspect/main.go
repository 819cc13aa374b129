// vit_inspect builds a Vision Transformer encoder from command-line
// hyperparameters, reports its variables and sizes, and optionally encodes
// images given as arguments.
//
// Examples:
//
//	vit_inspect -summary
//	vit_inspect -dim 384 -depth 12 -heads 6 -vars
//	vit_inspect -init photo1.jpg photo2.jpg
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/random"
	"github.com/gomlx/vit"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagImageSize = flag.Int("image_size", 224, "Canonical image size (square).")
	flagPatchSize = flag.Int("patch_size", 16, "Patch size (square).")
	flagChannels  = flag.Int("channels", 3, "Input image channels.")
	flagDim       = flag.Int("dim", 768, "Embedding dimension.")
	flagDepth     = flag.Int("depth", 12, "Number of transformer blocks.")
	flagHeads     = flag.Int("heads", 12, "Attention heads per block.")
	flagHeadDim   = flag.Int("head_dim", 64, "Dimension per attention head.")
	flagMLPDim    = flag.Int("mlp_dim", 3072, "Hidden dimension of the feed-forward sub-layer.")
	flagPool      = flag.String("pool", "cls", "Output pooling: \"cls\" or \"mean\".")
	flagProj      = flag.String("projection", "linear", "Patch projection: \"linear\" or \"conv\".")
	flagNorm      = flag.String("norm", "layer", "Normalization: \"layer\" or \"rms\".")
	flagQKVBias   = flag.Bool("qkv_bias", false, "Use a bias on the fused query/key/value projection.")

	flagSummary = flag.Bool("summary", true, "Display a summary of the model sizes.")
	flagVars    = flag.Bool("vars", false, "Lists the model variables.")
	flagInit    = flag.Bool("init", false, "Re-initialize the weights (truncated normal scheme) before encoding.")
	flagSeed    = flag.Int64("seed", 42, "Seed used with -init.")
)

func main() {
	flag.Parse()

	model := vit.New(*flagImageSize, *flagPatchSize, *flagChannels, *flagDim,
		*flagDepth, *flagHeads, *flagMLPDim).
		WithHeadDim(*flagHeadDim).
		WithQKVBias(*flagQKVBias)
	switch *flagPool {
	case "cls":
		model.WithPooling(vit.PoolClassToken)
	case "mean":
		model.WithPooling(vit.PoolMean)
	default:
		klog.Errorf("Invalid -pool=%q, valid values are \"cls\" and \"mean\".", *flagPool)
		os.Exit(1)
	}
	switch *flagProj {
	case "linear":
		model.WithProjection(vit.ProjectionLinear)
	case "conv":
		model.WithProjection(vit.ProjectionConvolution)
	default:
		klog.Errorf("Invalid -projection=%q, valid values are \"linear\" and \"conv\".", *flagProj)
		os.Exit(1)
	}
	switch *flagNorm {
	case "layer":
		model.WithNormalization(vit.NormLayer)
	case "rms":
		model.WithNormalization(vit.NormRMS)
	default:
		klog.Errorf("Invalid -norm=%q, valid values are \"layer\" and \"rms\".", *flagNorm)
		os.Exit(1)
	}

	backend := backends.New()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, batch *Node) *Node {
		return model.Forward(ctx, vit.PreprocessImages(batch, 1.0)).Done()
	})

	// Build the graph once with an empty batch, so the variables exist for the
	// reports even when no image is given.
	warmup := tensors.FromShape(shapes.Make(model.DType,
		1, *flagImageSize, *flagImageSize, *flagChannels))
	err := exceptions.TryCatch[error](func() { _ = exec.MustExec(warmup) })
	if err != nil {
		klog.Errorf("Failed to build the encoder: %+v", err)
		os.Exit(1)
	}

	if *flagInit {
		must.M(vit.InitializeWeights(backend, ctx, random.NewWithSeed(*flagSeed)))
	}

	if *flagSummary {
		reportSummary(ctx, model)
	}
	if *flagVars {
		reportVariables(ctx)
	}
	if paths := flag.Args(); len(paths) > 0 {
		encodeImages(model, exec, paths)
	}
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				return headerRowStyle
			}
			if row%2 == 0 {
				return oddRowStyle
			}
			return evenRowStyle
		})
}

func reportSummary(ctx *context.Context, model *vit.Config) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(false)
	table.Row("image size", fmt.Sprintf("%dx%d", model.ImageWidth, model.ImageHeight))
	table.Row("patch size", fmt.Sprintf("%dx%d", model.PatchWidth, model.PatchHeight))
	table.Row("patches", humanize.Comma(int64(model.NumPatches())))
	table.Row("embedding", humanize.Comma(int64(model.EmbedDim)))
	table.Row("depth", humanize.Comma(int64(model.Depth)))
	table.Row("pooling", model.Pooling.String())

	var numVars, totalSize int
	var totalMemory uintptr
	ctx.EnumerateVariables(func(v *context.Variable) {
		numVars++
		totalSize += v.Shape().Size()
		totalMemory += v.Shape().Memory()
	})
	table.Row("# variables", humanize.Comma(int64(numVars)))
	table.Row("# parameters", humanize.Comma(int64(totalSize)))
	table.Row("# bytes", humanize.Bytes(uint64(totalMemory)))
	fmt.Println(table.Render())
}

func reportVariables(ctx *context.Context) {
	fmt.Println(titleStyle.Render("Variables"))
	table := newPlainTable(true)
	table.Row("Scope", "Name", "Kind", "Shape", "Size")
	var rows [][]string
	ctx.EnumerateVariables(func(v *context.Variable) {
		rows = append(rows, []string{
			v.Scope(), v.Name(), vit.KindOfVariable(v).String(), v.Shape().String(),
			humanize.Comma(int64(v.Shape().Size())),
		})
	})
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		table.Row(row...)
	}
	fmt.Println(table.Render())
}

func encodeImages(model *vit.Config, exec *context.Exec, paths []string) {
	fmt.Println(titleStyle.Render("Embeddings"))
	table := newPlainTable(true)
	table.Row("Image", "L2 norm", "First values")
	bar := progressbar.Default(int64(len(paths)), "encoding")
	for _, path := range paths {
		batch := must.M1(model.BatchFromFiles([]string{path}))
		embedding := exec.MustExec(batch)[0]
		table.Row(path, fmt.Sprintf("%.4f", l2Norm(embedding)), firstValues(embedding, 4))
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	fmt.Println(table.Render())
}

func l2Norm(t *tensors.Tensor) float64 {
	var sum float64
	must.M(tensors.ConstFlatData(t, func(flat []float32) {
		for _, v := range flat {
			sum += float64(v) * float64(v)
		}
	}))
	return math.Sqrt(sum)
}

func firstValues(t *tensors.Tensor, n int) string {
	var parts []string
	must.M(tensors.ConstFlatData(t, func(flat []float32) {
		for _, v := range flat[:min(n, len(flat))] {
			parts = append(parts, fmt.Sprintf("%.3f", v))
		}
	}))
	return strings.Join(parts, ", ") + ", ..."
}

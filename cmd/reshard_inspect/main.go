// reshard_inspect prints reports about a sharded optimizer checkpoint directory:
// a summary, the shard file listing, and the per-key placement with shapes.
//
// Usage:
//
//	reshard_inspect [flags] <checkpoint-dir>
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/reshard/checkpoints"
	"github.com/gomlx/reshard/types/xslices"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagFamily = flag.String("family", "optimizer", "Checkpoint family to inspect: "+
		"\"optimizer\" or \"master_weights\".")

	flagSummary = flag.Bool("summary", false, "Display a summary of the checkpoint: "+
		"world size, shard files, total keys and bytes.")
	flagShards = flag.Bool("shards", false, "Lists the shard files with their key counts and sizes.")
	flagKeys   = flag.Bool("keys", false, "Lists every state key with its shard file, shape and size. "+
		"Reads all shard files.")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing checkpoint directory to read from. See 'reshard_inspect -help'")
		os.Exit(1)
	}
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'reshard_inspect -help'.")
		os.Exit(1)
	}
	if !*flagSummary && !*flagShards && !*flagKeys {
		*flagSummary = true
	}
	report(args[0])
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
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				// Even row style.
				s = oddRowStyle
			default:
				// Odd row style
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func report(checkpointPath string) {
	idx := must.M1(checkpoints.LoadIndex(checkpointPath, *flagFamily))
	fileToKeys := idx.FileToKeys()

	if *flagSummary {
		fmt.Println(titleStyle.Render("Summary"))
		table := newPlainTable(false)
		table.Row("checkpoint", checkpointPath)
		table.Row("family", *flagFamily)
		table.Row("world size", humanize.Comma(int64(idx.Metadata.WorldSize)))
		table.Row("# shard files", humanize.Comma(int64(len(fileToKeys))))
		table.Row("# keys", humanize.Comma(int64(len(idx.WeightMap))))
		table.Row("# bytes", humanize.Bytes(idx.Metadata.TotalSize))
		fmt.Println(table.Render())
	}

	if *flagShards {
		fmt.Println(titleStyle.Render("Shard Files"))
		table := newPlainTable(true)
		table.Row("File", "Keys", "Bytes")
		for _, file := range xslices.SortedKeys(fileToKeys) {
			fi := must.M1(os.Stat(filepath.Join(checkpointPath, file)))
			table.Row(file,
				humanize.Comma(int64(len(fileToKeys[file]))),
				humanize.Bytes(uint64(fi.Size())))
		}
		fmt.Println(table.Render())
	}

	if *flagKeys {
		fmt.Println(titleStyle.Render("Keys"))
		table := newPlainTable(true)
		table.Row("Key", "Shard File", "Shape", "Size", "Bytes")
		var rows [][]string
		for file := range fileToKeys {
			sd := must.M1(checkpoints.ReadShard(filepath.Join(checkpointPath, file)))
			for key, tensor := range sd {
				if _, indexed := idx.WeightMap[key]; !indexed {
					continue
				}
				shape := tensor.Shape()
				rows = append(rows, []string{
					key, file, shape.String(),
					humanize.Comma(int64(shape.Size())),
					humanize.Bytes(uint64(shape.Memory())),
				})
			}
		}
		slices.SortFunc(rows, func(a, b []string) int {
			cmp := strings.Compare(a[1], b[1])
			if cmp != 0 {
				return cmp
			}
			return strings.Compare(a[0], b[0])
		})
		for _, row := range rows {
			table.Row(row...)
		}
		fmt.Println(table.Render())
	}
}

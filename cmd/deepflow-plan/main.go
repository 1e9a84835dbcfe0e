// deepflow-plan loads a collective plan description from a JSON file, runs
// the planner with the configured fusion settings and prints the resulting
// groups as a table.
//
// The input is a list of request entries:
//
//	[
//	  {"job_id": 0, "name": "grad0", "op_type": "AllReduce",
//	   "dtype": "Float32", "dims": [1048576], "reduce_method": "Sum",
//	   "devices": [{"machine_id": 0, "device_id": 0},
//	               {"machine_id": 1, "device_id": 0}],
//	   "order": 0, "depth": 0}
//	]
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/deepflow/collective"
	"github.com/gomlx/deepflow/device"
	"github.com/gomlx/deepflow/types/shapes"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagMachine   = flag.Int("machine", 0, "Machine id to plan for: only requests with a device on this machine are retained.")
	flagThreshold = flag.Int("fusion_threshold_mb", 64, "Fusion threshold in MiB for the byte-size grouping policy.")
	flagNoFusion  = flag.Bool("no_fusion", false, "Disable fusion: every request forms its own group.")
)

type requestEntry struct {
	JobID        int64                   `json:"job_id"`
	Name         string                  `json:"name"`
	OpType       string                  `json:"op_type"`
	DType        string                  `json:"dtype"`
	Dims         []int                   `json:"dims"`
	ReduceMethod string                  `json:"reduce_method"`
	Root         int                     `json:"root"`
	Devices      []collective.DeviceDesc `json:"devices"`
	Order        int                     `json:"order"`
	Depth        int                     `json:"depth"`
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Usage: deepflow-plan [flags] <plan.json>. See 'deepflow-plan -help'.")
		os.Exit(1)
	}
	plan := loadPlan(args[0])

	cfg := collective.DefaultConfig()
	cfg.FusionThresholdMB = *flagThreshold
	cfg.EnableFusion = !*flagNoFusion

	backend := planOnlyBackend{grouper: collective.NewDeviceBackend(nil, nil, cfg, *flagMachine)}
	executor := must.M1(collective.NewExecutor(plan, cfg, *flagMachine, backend))
	printGroups(executor.GroupSummaries())
}

func loadPlan(path string) collective.Plan {
	var entries []requestEntry
	must.M(json.Unmarshal(must.M1(os.ReadFile(path)), &entries))
	plan := make(collective.Plan)
	for _, entry := range entries {
		opType := must.M1(collective.OpTypeString(entry.OpType))
		dtype := must.M1(shapes.ParseDType(entry.DType))
		reduceMethod := device.ReduceSum
		if entry.ReduceMethod != "" {
			reduceMethod = must.M1(device.ReduceOpString(entry.ReduceMethod))
		}
		set, found := plan[entry.JobID]
		if !found {
			set = &collective.RequestSet{}
			plan[entry.JobID] = set
		}
		set.Requests = append(set.Requests, &collective.RequestDesc{
			OpDesc: collective.OpDesc{
				Name:         entry.Name,
				OpType:       opType,
				Shape:        shapes.Make(dtype, entry.Dims...),
				ReduceMethod: reduceMethod,
				Root:         entry.Root,
				NumRanks:     len(entry.Devices),
				Backend:      collective.DeviceBackendID,
			},
			DeviceSet: collective.DeviceSet(entry.Devices),
			Order:     entry.Order,
			Depth:     entry.Depth,
		})
	}
	return plan
}

// planOnlyBackend reuses the device backend's fusion policy without
// touching any device provider.
type planOnlyBackend struct {
	grouper *collective.DeviceBackend
}

func (b planOnlyBackend) ID() collective.BackendID        { return collective.DeviceBackendID }
func (b planOnlyBackend) Init(plan collective.Plan) error { return nil }
func (b planOnlyBackend) GroupRequests(requests []*collective.RequestDesc) [][]*collective.RequestDesc {
	return b.grouper.GroupRequests(requests)
}
func (b planOnlyBackend) ExecuteGroup([]*collective.RequestDesc, []map[int]*collective.RuntimeRequestInfo) {
}
func (b planOnlyBackend) Shutdown() {}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
)

func printGroups(summaries []collective.GroupSummary) {
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == 1:
				return headerRowStyle
			case row%2 == 0:
				return oddRowStyle
			default:
				return evenRowStyle
			}
		})
	table.Row("Job", "Group", "Request", "Op", "Shape", "Size", "Devices", "Order", "Depth")
	for _, summary := range summaries {
		for _, r := range summary.Requests {
			table.Row(
				fmt.Sprintf("%d", summary.JobID),
				fmt.Sprintf("%d", summary.GroupID),
				r.OpDesc.Name,
				r.OpDesc.OpType.String(),
				r.OpDesc.Shape.String(),
				humanize.IBytes(uint64(r.SizeBytes())),
				r.DeviceSet.Key(),
				fmt.Sprintf("%d", r.Order),
				fmt.Sprintf("%d", r.Depth),
			)
		}
	}
	fmt.Println(table.Render())
}

package containerdriver

import (
	cgroupstats "github.com/containerd/cgroups/stats/v1"
	"github.com/containerd/typeurl/v2"

	"github.com/datify-sh/datify/internal/apperr"

	"github.com/containerd/containerd/api/types"
)

// decodeMetrics unwraps the task's typeurl.Any metrics payload into
// Datify's Stats shape. containerd reports cgroup v1 stats on the hosts
// this daemon targets; cgroup v2 hosts are a known gap (see DESIGN.md).
func decodeMetrics(metric *types.Metric) (*Stats, error) {
	v, err := typeurl.UnmarshalAny(metric.Data)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeOther, "unmarshal task metrics", err)
	}

	m, ok := v.(*cgroupstats.Metrics)
	if !ok {
		return nil, apperr.New(apperr.CodeOther, "unexpected metrics payload type")
	}

	out := &Stats{}
	if m.CPU != nil && m.CPU.Usage != nil {
		out.CPUUsageNanos = m.CPU.Usage.Total
	}
	if m.Memory != nil && m.Memory.Usage != nil {
		out.MemoryUsedBytes = m.Memory.Usage.Usage
		out.MemoryLimitBytes = m.Memory.Usage.Limit
	}
	return out, nil
}

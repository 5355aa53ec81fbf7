package orchestrator

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/c360/stagegrid/descriptor"
)

// KindTotals aggregates the statistics of every instance of one stage kind.
type KindTotals struct {
	Kind           string
	Instances      int
	Items          int64
	BytesIn        int64
	BytesOut       int64
	IdleTime       time.Duration
	ProcessingTime time.Duration
}

// AverageTime returns the mean processing time per instance.
func (k KindTotals) AverageTime() time.Duration {
	if k.Instances == 0 {
		return 0
	}
	return k.ProcessingTime / time.Duration(k.Instances)
}

// Throughput returns the stage kind's rate over the larger of bytes in and
// bytes out.
func (k KindTotals) Throughput() string {
	bytes := k.BytesIn
	if k.BytesOut > bytes {
		bytes = k.BytesOut
	}
	avgMs := float64(k.AverageTime()) / float64(time.Millisecond)
	return FormatRate(float64(bytes*8), avgMs)
}

// Report is the end-of-run summary.
type Report struct {
	Kinds   []KindTotals
	Elapsed time.Duration
}

// BuildReport totals stats per stage kind. Kinds appear in order; kinds
// without statistics are omitted.
func BuildReport(stats []descriptor.Statistics, order []string, elapsed time.Duration) Report {
	byKind := make(map[string]*KindTotals, len(order))
	for _, s := range stats {
		k, ok := byKind[s.Kind]
		if !ok {
			k = &KindTotals{Kind: s.Kind}
			byKind[s.Kind] = k
		}
		k.Instances++
		k.Items += s.Items
		k.BytesIn += s.BytesIn
		k.BytesOut += s.BytesOut
		k.IdleTime += s.IdleTime
		k.ProcessingTime += s.ProcessingTime
	}

	r := Report{Elapsed: elapsed}
	for _, kind := range order {
		if k, ok := byKind[kind]; ok {
			r.Kinds = append(r.Kinds, *k)
			delete(byKind, kind)
		}
	}
	// kinds reported but not declared go last
	for _, s := range stats {
		if k, ok := byKind[s.Kind]; ok {
			r.Kinds = append(r.Kinds, *k)
			delete(byKind, s.Kind)
		}
	}
	return r
}

// Render formats the report as a table.
func (r Report) Render() string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle(fmt.Sprintf("Run statistics (%s)", r.Elapsed.Round(time.Millisecond)))
	tw.AppendHeader(table.Row{"Stage", "Instances", "Images", "In", "Out", "Idle", "Processing", "Throughput"})

	for _, k := range r.Kinds {
		tw.AppendRow(table.Row{
			k.Kind,
			k.Instances,
			k.Items,
			FormatSize(k.BytesIn),
			FormatSize(k.BytesOut),
			k.IdleTime.Round(time.Millisecond).String(),
			k.ProcessingTime.Round(time.Millisecond).String(),
			k.Throughput(),
		})
	}

	configs := []table.ColumnConfig{{Number: 1, Align: text.AlignLeft}}
	for i := 2; i <= 8; i++ {
		configs = append(configs, table.ColumnConfig{Number: i, Align: text.AlignRight, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

// FormatSize renders a byte count with 1024-based B/KB/MB/GB units.
func FormatSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.2f GB", float64(bytes)/gb)
	case bytes >= mb:
		return fmt.Sprintf("%.2f MB", float64(bytes)/mb)
	case bytes >= kb:
		return fmt.Sprintf("%.2f KB", float64(bytes)/kb)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// FormatRate renders bits moved in averageTimeMs milliseconds as a rate with
// 1000-based Bit/KBit/MBit/GBit units.
func FormatRate(bits, averageTimeMs float64) string {
	if averageTimeMs <= 0 {
		return "n/a"
	}
	rate := bits / averageTimeMs * 1000
	switch {
	case rate >= 1e9:
		return fmt.Sprintf("%.2f GBit/s", rate/1e9)
	case rate >= 1e6:
		return fmt.Sprintf("%.2f MBit/s", rate/1e6)
	case rate >= 1e3:
		return fmt.Sprintf("%.2f KBit/s", rate/1e3)
	default:
		return fmt.Sprintf("%.2f Bit/s", rate)
	}
}

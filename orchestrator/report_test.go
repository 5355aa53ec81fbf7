package orchestrator

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/c360/stagegrid/descriptor"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{1024 * 1024, "1.00 MB"},
		{5 * 1024 * 1024 * 1024, "5.00 GB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatSize(tt.bytes))
	}
}

func TestFormatRate(t *testing.T) {
	tests := []struct {
		bits, ms float64
		want     string
	}{
		{500, 1000, "500.00 Bit/s"},
		{1000, 1000, "1.00 KBit/s"},
		{8e6, 1000, "8.00 MBit/s"},
		{8e6, 4, "2.00 GBit/s"},
		{1, 0, "n/a"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatRate(tt.bits, tt.ms))
	}
}

func TestBuildReport(t *testing.T) {
	stats := []descriptor.Statistics{
		{Slot: 0, Kind: "fileread", Items: 5, BytesOut: 2048, ProcessingTime: 2 * time.Second},
		{Slot: 1, Kind: "encode", Items: 2, BytesIn: 1000, BytesOut: 100, ProcessingTime: time.Second},
		{Slot: 2, Kind: "encode", Items: 3, BytesIn: 1000, BytesOut: 100, ProcessingTime: 3 * time.Second},
		{Slot: 3, Kind: "extra", Items: 1},
	}
	r := BuildReport(stats, []string{"fileread", "encode"}, time.Minute)

	assert.Len(t, r.Kinds, 3)
	assert.Equal(t, "fileread", r.Kinds[0].Kind)
	assert.Equal(t, "extra", r.Kinds[2].Kind)

	enc := r.Kinds[1]
	assert.Equal(t, 2, enc.Instances)
	assert.Equal(t, int64(5), enc.Items)
	assert.Equal(t, int64(2000), enc.BytesIn)
	assert.Equal(t, 2*time.Second, enc.AverageTime())
	// 16000 bits over 2000 ms
	assert.Equal(t, "8.00 KBit/s", enc.Throughput())

	out := r.Render()
	assert.True(t, strings.Contains(out, "encode"))
	assert.True(t, strings.Contains(out, "2.00 KB"))
	assert.True(t, strings.Contains(out, "Run statistics"))
}

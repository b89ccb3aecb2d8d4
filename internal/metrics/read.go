package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"sdwanctl/internal/model"
)

// ReadCSV loads metrics samples from a CSV file written by WriteCSV or AppendCSV.
func ReadCSV(path string) ([]model.MetricsSample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]model.MetricsSample, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == csvHeader[0] {
		start = 1
	}

	items := make([]model.MetricsSample, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < len(csvHeader) {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		id, err := model.ParsePathID(rec[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		latency, _ := strconv.ParseFloat(rec[2], 64)
		jitter, _ := strconv.ParseFloat(rec[3], 64)
		loss, _ := strconv.ParseFloat(rec[4], 64)
		bandwidth, _ := strconv.ParseFloat(rec[5], 64)
		mtu, _ := strconv.Atoi(rec[6])
		score, _ := strconv.ParseUint(rec[7], 10, 8)
		items = append(items, model.MetricsSample{
			PathID: id,
			Metrics: model.PathMetrics{
				LatencyMs:     latency,
				JitterMs:      jitter,
				PacketLossPct: loss,
				BandwidthMbps: bandwidth,
				MTU:           mtu,
				MeasuredAt:    ts,
				Score:         uint8(score),
			},
		})
	}

	return items, nil
}

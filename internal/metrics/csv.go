package metrics

import (
	"encoding/csv"
	"errors"
	"io"
	"io/fs"
	"os"
	"strconv"
	"time"

	"sdwanctl/internal/model"
)

var csvHeader = []string{
	"measured_at",
	"path_id",
	"latency_ms",
	"jitter_ms",
	"packet_loss_pct",
	"bandwidth_mbps",
	"mtu",
	"score",
}

// WriteCSV writes metrics samples to CSV with a fixed column order.
func WriteCSV(w io.Writer, items []model.MetricsSample) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	return writeRecords(writer, items)
}

// AppendCSV appends samples to a CSV file, writing the header only when the
// file is new or empty.
func AppendCSV(path string, items []model.MetricsSample) error {
	info, err := os.Stat(path)
	needHeader := errors.Is(err, fs.ErrNotExist) || (err == nil && info.Size() == 0)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if needHeader {
		if err := writer.Write(csvHeader); err != nil {
			return err
		}
	}
	return writeRecords(writer, items)
}

func writeRecords(writer *csv.Writer, items []model.MetricsSample) error {
	for _, s := range items {
		m := s.Metrics
		record := []string{
			m.MeasuredAt.UTC().Format(time.RFC3339Nano),
			s.PathID.String(),
			strconv.FormatFloat(m.LatencyMs, 'f', 3, 64),
			strconv.FormatFloat(m.JitterMs, 'f', 3, 64),
			strconv.FormatFloat(m.PacketLossPct, 'f', 3, 64),
			strconv.FormatFloat(m.BandwidthMbps, 'f', 3, 64),
			strconv.Itoa(m.MTU),
			strconv.Itoa(int(m.Score)),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

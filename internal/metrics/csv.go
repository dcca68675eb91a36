package metrics

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"subman/internal/model"
)

// WriteCSV writes nodes and their measurements with a fixed column order.
func WriteCSV(w io.Writer, nodes []model.Node) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	header := []string{
		"name",
		"address",
		"port",
		"tcp_status",
		"tcp_ms",
		"http_status",
		"http_ms",
		"last_tested_at",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, n := range nodes {
		lastTested := ""
		if !n.LastTestedAt.IsZero() {
			lastTested = n.LastTestedAt.UTC().Format(time.RFC3339)
		}
		record := []string{
			n.DisplayName(),
			n.Address,
			strconv.Itoa(n.Port),
			string(n.TCP.Status),
			millisField(n.TCP),
			string(n.HTTP.Status),
			millisField(n.HTTP),
			lastTested,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func millisField(l model.Latency) string {
	if l.Status != model.StatusOK {
		return ""
	}
	return strconv.FormatInt(l.Millis, 10)
}

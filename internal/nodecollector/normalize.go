package nodecollector

import (
	"sort"
	"strings"

	"github.com/aaronlmathis/kmon/internal/model"
)

// Normalize canonicalizes a raw snapshot: units are converted to their
// canonical form, label keys are lowercased and trimmed, duplicate
// (name, labels) records are dropped keeping the first occurrence, and
// records are sorted by composite key for stable output.
// The input snapshot is not modified.
func Normalize(snap *model.RawMetricSnapshot) *model.RawMetricSnapshot {
	records := make([]model.MetricRecord, 0, len(snap.Records))
	seen := make(map[string]bool, len(snap.Records))

	for _, record := range snap.Records {
		normalized := normalizeRecord(record)
		key := normalized.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		records = append(records, normalized)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Key() < records[j].Key()
	})

	return &model.RawMetricSnapshot{
		NodeName:    snap.NodeName,
		CollectedAt: snap.CollectedAt,
		Records:     records,
	}
}

func normalizeRecord(record model.MetricRecord) model.MetricRecord {
	out := model.MetricRecord{
		Name:  strings.TrimSpace(record.Name),
		Value: record.Value,
		Unit:  record.Unit,
	}

	switch record.Unit {
	case "millicores":
		out.Value = record.Value / 1000.0
		out.Unit = model.UnitCores
	case "nanocores":
		out.Value = record.Value / 1e9
		out.Unit = model.UnitCores
	case "kibibytes":
		out.Value = record.Value * 1024
		out.Unit = model.UnitBytes
	case "":
		out.Unit = model.UnitCount
	}

	if len(record.Labels) > 0 {
		out.Labels = make(map[string]string, len(record.Labels))
		for k, v := range record.Labels {
			key := strings.ToLower(strings.TrimSpace(k))
			if key == "" {
				continue
			}
			out.Labels[key] = strings.TrimSpace(v)
		}
	}

	return out
}

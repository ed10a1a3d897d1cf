package electro

import (
	"sort"

	"github.com/samber/lo"
)

// DailyTotal is the consumption of one day, per register column, split by tariff
type DailyTotal struct {
	Date     string                        `json:"date"`
	ByTariff map[Tariff]map[string]float64 `json:"byTariff"`
	Totals   map[string]float64            `json:"totals"`
}

// AggregateDaily sums records per date for the given columns, oldest date first
func AggregateDaily(records []*IntervalRecord, columns []string) []*DailyTotal {
	byDate := lo.GroupBy(records, func(rec *IntervalRecord) string { return rec.Date })

	dates := lo.Keys(byDate)
	sort.Strings(dates)

	out := make([]*DailyTotal, 0, len(dates))
	for _, date := range dates {
		day := &DailyTotal{
			Date:     date,
			ByTariff: map[Tariff]map[string]float64{},
			Totals:   make(map[string]float64, len(columns)),
		}
		for _, rec := range byDate[date] {
			perTariff, ok := day.ByTariff[rec.Tariff]
			if !ok {
				perTariff = make(map[string]float64, len(columns))
				day.ByTariff[rec.Tariff] = perTariff
			}
			for _, col := range columns {
				v := rec.Values[col]
				perTariff[col] += v
				day.Totals[col] += v
			}
		}
		out = append(out, day)
	}
	return out
}

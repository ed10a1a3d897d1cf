package electro

import (
	"time"
)

// Reduce turns cumulative readings into one IntervalRecord per adjacent pair.
//
// For every i the record is anchored on readings[i+1] (the earlier reading when the source is
// newest first) and carries readings[i] - readings[i+1] per register. A register missing from
// either reading contributes 0. Output keeps input order and has len(readings)-1 records.
// Negative deltas (counter resets) are passed through.
func Reduce(readings []Reading, mapping RegisterMapping, loc *time.Location) ([]*IntervalRecord, error) {
	return reduceWith(readings, mapping, loc, DefaultTariffSchedule)
}

func reduceWith(readings []Reading, mapping RegisterMapping, loc *time.Location, schedule *TariffSchedule) ([]*IntervalRecord, error) {
	if len(readings) < 2 {
		return nil, newInsufficientDataError(len(readings))
	}
	if loc == nil {
		loc = time.Local
	}

	records := make([]*IntervalRecord, 0, len(readings)-1)
	for i := 0; i < len(readings)-1; i++ {
		later, anchor := readings[i], readings[i+1]
		at := time.Unix(anchor.Timestamp, 0).In(loc)

		values := make(map[string]float64, len(mapping))
		for _, rc := range mapping {
			values[rc.Column] = registerDelta(later, anchor, rc.Register)
		}

		records = append(records, &IntervalRecord{
			Date:      at.Format(DateLayout),
			Time:      at.Format(ClockLayout),
			Timestamp: anchor.Timestamp,
			Tariff:    schedule.Classify(at),
			Values:    values,
		})
	}
	return records, nil
}

func registerDelta(later, earlier Reading, register string) float64 {
	a, okA := later.Registers[register]
	b, okB := earlier.Registers[register]
	if !okA || !okB {
		return 0
	}
	return a - b
}

// Summarize returns the period covered by readings and the total change of every register
// between the first and the last reading. Registers missing at either end are omitted.
func Summarize(readings []Reading, registers []string, units map[string]string, loc *time.Location) (Period, map[string]RegisterTotal) {
	summary := make(map[string]RegisterTotal, len(registers))
	if len(readings) == 0 {
		return Period{}, summary
	}
	if loc == nil {
		loc = time.Local
	}

	first, last := readings[0], readings[len(readings)-1]
	period := Period{
		Start: time.Unix(last.Timestamp, 0).In(loc),
		End:   time.Unix(first.Timestamp, 0).In(loc),
	}
	if period.Start.After(period.End) {
		period.Start, period.End = period.End, period.Start
	}

	for _, reg := range registers {
		a, okA := first.Registers[reg]
		b, okB := last.Registers[reg]
		if !okA || !okB {
			continue
		}
		summary[reg] = RegisterTotal{Value: a - b, Unit: units[reg]}
	}
	return period, summary
}

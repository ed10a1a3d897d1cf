package electro

import (
	"time"

	"github.com/pkg/errors"
)

// Tariff is a pricing-period category
type Tariff string

const (
	TariffBase         Tariff = "Base"
	TariffIntermediate Tariff = "Intermediate"
	TariffPeak         Tariff = "Peak"
)

const minutesPerDay = 24 * 60

// TariffWindow assigns a tariff to the minutes of day in [StartMinute, EndMinute)
type TariffWindow struct {
	StartMinute int
	EndMinute   int
	Tariff      Tariff
}

// TariffSchedule partitions the week into tariff windows.
// Weekdays follow Weekday; Saturday and Sunday are Weekend all day.
type TariffSchedule struct {
	Weekday []TariffWindow
	Weekend Tariff
}

func hm(hour, minute int) int { return hour*60 + minute }

// DefaultTariffSchedule is the CFE GDMTH weekday schedule.
// The evening intermediate band runs through 23:59:59; midnight starts the base night band.
var DefaultTariffSchedule = &TariffSchedule{
	Weekday: []TariffWindow{
		{StartMinute: hm(0, 0), EndMinute: hm(6, 0), Tariff: TariffBase},
		{StartMinute: hm(6, 0), EndMinute: hm(10, 0), Tariff: TariffIntermediate},
		{StartMinute: hm(10, 0), EndMinute: hm(18, 0), Tariff: TariffBase},
		{StartMinute: hm(18, 0), EndMinute: hm(22, 0), Tariff: TariffPeak},
		{StartMinute: hm(22, 0), EndMinute: minutesPerDay, Tariff: TariffIntermediate},
	},
	Weekend: TariffBase,
}

// Validate checks that the weekday windows are contiguous and cover the whole day
func (s *TariffSchedule) Validate() error {
	if s == nil {
		return errors.New("schedule is nil")
	}
	if s.Weekend == "" {
		return errors.New("weekend tariff is required")
	}
	next := 0
	for i, w := range s.Weekday {
		if w.StartMinute != next {
			return errors.Errorf("window %d starts at minute %d, expected %d", i, w.StartMinute, next)
		}
		if w.EndMinute <= w.StartMinute {
			return errors.Errorf("window %d is empty", i)
		}
		if w.Tariff == "" {
			return errors.Errorf("window %d has no tariff", i)
		}
		next = w.EndMinute
	}
	if next != minutesPerDay {
		return errors.Errorf("weekday windows end at minute %d, expected %d", next, minutesPerDay)
	}
	return nil
}

// Classify returns the tariff in effect at t's own wall-clock time; no zone conversion is applied
func (s *TariffSchedule) Classify(t time.Time) Tariff {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return s.Weekend
	}
	minute := t.Hour()*60 + t.Minute()
	for _, w := range s.Weekday {
		if minute >= w.StartMinute && minute < w.EndMinute {
			return w.Tariff
		}
	}
	// unreachable for a validated schedule
	return TariffBase
}

// Classify returns the tariff in effect at t under DefaultTariffSchedule
func Classify(t time.Time) Tariff {
	return DefaultTariffSchedule.Classify(t)
}

// TariffDetails describes a tariff for presentation
type TariffDetails struct {
	Name        Tariff  `json:"name"`
	Description string  `json:"description"`
	TypicalRate float64 `json:"typicalRate"` // MXN/kWh
	Color       string  `json:"color"`
}

var tariffDetails = map[Tariff]TariffDetails{
	TariffBase:         {Name: TariffBase, Description: "Off-peak hours", TypicalRate: 1.20, Color: "#4CAF50"},
	TariffIntermediate: {Name: TariffIntermediate, Description: "Intermediate hours", TypicalRate: 1.98, Color: "#FF9800"},
	TariffPeak:         {Name: TariffPeak, Description: "Peak hours", TypicalRate: 2.32, Color: "#F44336"},
}

// TariffInfo returns the presentation details of t
func TariffInfo(t Tariff) (TariffDetails, bool) {
	d, ok := tariffDetails[t]
	return d, ok
}

package sun

import (
	"fmt"
	"sync"
	"time"

	"github.com/nathan-osman/go-sunrise"
)

// SunEvent is the simplified position of the sun
type SunEvent string

const (
	SunEventMorning SunEvent = "morning"
	SunEventDay     SunEvent = "day"
	SunEventSunset  SunEvent = "sunset"
	SunEventDusk    SunEvent = "dusk"
	SunEventNight   SunEvent = "night"

	// SunEventPolar is reported on days the sun neither rises nor sets
	SunEventPolar SunEvent = "polar"
)

// DayPhase is the household phase derived from the sun event and the clock
type DayPhase string

const (
	DayPhaseMorning  DayPhase = "morning"
	DayPhaseDay      DayPhase = "day"
	DayPhaseSunset   DayPhase = "sunset"
	DayPhaseDusk     DayPhase = "dusk"
	DayPhaseWinddown DayPhase = "winddown"
	DayPhaseNight    DayPhase = "night"
	DayPhasePolar    DayPhase = "polar"
)

// Durations used to approximate twilight and golden hour around the
// computed sunrise and sunset.
const (
	twilight   = 30 * time.Minute
	goldenHour = 60 * time.Minute
	sunriseLen = 30 * time.Minute
	morningEnd = 12 // hour
	nightEnd   = 6  // hour
)

// Snapshot is the sun state for one instant.
type Snapshot struct {
	Date       string    `json:"date"`
	Dawn       time.Time `json:"dawn"`
	Sunrise    time.Time `json:"sunrise"`
	SunriseEnd time.Time `json:"sunrise_end"`
	GoldenHour time.Time `json:"golden_hour"`
	Sunset     time.Time `json:"sunset"`
	Dusk       time.Time `json:"dusk"`
	Event      SunEvent  `json:"event"`
	Phase      DayPhase  `json:"phase"`
	NextChange time.Time `json:"next_change"`
}

type sunTimes struct {
	dawn, sunrise, sunriseEnd, goldenHour, sunset, dusk time.Time
	polar                                               bool
}

// Calculator computes sun events and day phases for a fixed location.
type Calculator struct {
	latitude   float64
	longitude  float64
	location   *time.Location
	nightStart time.Duration // offset from local midnight

	mu    sync.Mutex
	cache map[string]sunTimes
}

// NewCalculator validates the coordinate and returns a calculator.
// nightStart is the local time of day after which the night event counts as
// night instead of winddown.
func NewCalculator(latitude, longitude float64, location *time.Location, nightStart time.Duration) (*Calculator, error) {
	if latitude < -90 || latitude > 90 {
		return nil, fmt.Errorf("latitude %v out of range [-90, 90]", latitude)
	}
	if longitude < -180 || longitude > 180 {
		return nil, fmt.Errorf("longitude %v out of range [-180, 180]", longitude)
	}
	if nightStart < 0 || nightStart >= 24*time.Hour {
		return nil, fmt.Errorf("night start %v is not a time of day", nightStart)
	}
	if location == nil {
		location = time.UTC
	}
	return &Calculator{
		latitude:   latitude,
		longitude:  longitude,
		location:   location,
		nightStart: nightStart,
		cache:      make(map[string]sunTimes),
	}, nil
}

// Calculate returns the snapshot for now.
func (c *Calculator) Calculate(now time.Time) Snapshot {
	now = now.In(c.location)
	times := c.timesFor(now)

	s := Snapshot{
		Date:       now.Format(time.DateOnly),
		Dawn:       times.dawn,
		Sunrise:    times.sunrise,
		SunriseEnd: times.sunriseEnd,
		GoldenHour: times.goldenHour,
		Sunset:     times.sunset,
		Dusk:       times.dusk,
	}

	if times.polar {
		s.Event = SunEventPolar
		s.Phase = DayPhasePolar
		s.NextChange = c.midnightAfter(now)
		return s
	}

	s.Event = eventAt(now, times)
	s.Phase = c.phaseAt(now, s.Event)
	s.NextChange = c.nextChange(now, times)
	return s
}

func (c *Calculator) timesFor(day time.Time) sunTimes {
	key := day.Format(time.DateOnly)

	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.cache[key]; ok {
		return t
	}

	rise, set := sunrise.SunriseSunset(c.latitude, c.longitude, day.Year(), day.Month(), day.Day())
	var t sunTimes
	if rise.IsZero() || set.IsZero() {
		t.polar = true
	} else {
		rise, set = rise.In(c.location), set.In(c.location)
		t = sunTimes{
			dawn:       rise.Add(-twilight),
			sunrise:    rise,
			sunriseEnd: rise.Add(sunriseLen),
			goldenHour: set.Add(-goldenHour),
			sunset:     set,
			dusk:       set.Add(twilight),
		}
	}

	// Only today and tomorrow are ever asked for
	if len(c.cache) > 4 {
		clear(c.cache)
	}
	c.cache[key] = t
	return t
}

func eventAt(now time.Time, t sunTimes) SunEvent {
	switch {
	case now.Before(t.dawn):
		return SunEventNight
	case now.Before(t.sunriseEnd):
		return SunEventMorning
	case now.Before(t.goldenHour):
		return SunEventDay
	case now.Before(t.sunset):
		return SunEventSunset
	case now.Before(t.dusk):
		return SunEventDusk
	default:
		return SunEventNight
	}
}

func (c *Calculator) phaseAt(now time.Time, event SunEvent) DayPhase {
	switch event {
	case SunEventMorning:
		if now.Hour() >= morningEnd {
			return DayPhaseDay
		}
		return DayPhaseMorning
	case SunEventDay:
		return DayPhaseDay
	case SunEventSunset:
		return DayPhaseSunset
	case SunEventDusk:
		return DayPhaseDusk
	default:
		if now.Hour() < nightEnd || !now.Before(c.midnight(now).Add(c.nightStart)) {
			return DayPhaseNight
		}
		return DayPhaseWinddown
	}
}

// nextChange returns the first boundary after now at which the event or
// phase can change.
func (c *Calculator) nextChange(now time.Time, t sunTimes) time.Time {
	midnight := c.midnight(now)
	candidates := []time.Time{
		t.dawn, t.sunriseEnd, t.goldenHour, t.sunset, t.dusk,
		midnight.Add(nightEnd * time.Hour),
		midnight.Add(morningEnd * time.Hour),
		midnight.Add(c.nightStart),
	}

	var next time.Time
	for _, candidate := range candidates {
		if candidate.After(now) && (next.IsZero() || candidate.Before(next)) {
			next = candidate
		}
	}
	if next.IsZero() {
		next = c.midnightAfter(now)
	}
	return next
}

func (c *Calculator) midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.location)
}

func (c *Calculator) midnightAfter(t time.Time) time.Time {
	return c.midnight(t).AddDate(0, 0, 1)
}

// ParseTimeOfDay parses "HH:MM" into an offset from midnight.
func ParseTimeOfDay(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// ValidateDayPhase checks if a string is a valid day phase
func ValidateDayPhase(phase string) (DayPhase, error) {
	switch p := DayPhase(phase); p {
	case DayPhaseMorning, DayPhaseDay, DayPhaseSunset, DayPhaseDusk, DayPhaseWinddown, DayPhaseNight, DayPhasePolar:
		return p, nil
	default:
		return "", fmt.Errorf("invalid day phase: %s", phase)
	}
}

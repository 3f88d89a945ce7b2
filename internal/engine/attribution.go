package engine

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Allocator is the single contract every attribution strategy satisfies:
// given conversions and touchpoint data, return credited revenue per
// channel as AttributionEvent rows. New strategies plug in without
// touching callers.
type Allocator interface {
	Name() string
	Allocate(in AttributionInput) ([]AttributionEvent, error)
}

const (
	ModelWeightedCredit = "weighted_credit"
	ModelMarkov         = "markov_removal"
)

// WeightedCreditAllocator credits each channel proportionally to its spend
// share in the attribution window preceding each conversion. Deterministic
// and always available; requires no touchpoint sequences.
type WeightedCreditAllocator struct{}

// NewWeightedCreditAllocator creates the default allocator.
func NewWeightedCreditAllocator() *WeightedCreditAllocator { return &WeightedCreditAllocator{} }

func (w *WeightedCreditAllocator) Name() string { return ModelWeightedCredit }

// Allocate splits each order's revenue across channels by spend share over
// the click window preceding the order date. Orders with no in-window
// spend produce no events; the revenue stays unattributed rather than
// being invented.
func (w *WeightedCreditAllocator) Allocate(in AttributionInput) ([]AttributionEvent, error) {
	window := in.Window.ClickDays
	if window <= 0 {
		window = 30
	}

	var out []AttributionEvent
	for _, o := range in.Orders {
		spendByChannel := make(map[Channel]float64)
		var total float64
		for _, s := range in.DailySpend {
			if !inWindow(s.Date, o.Date, window) {
				continue
			}
			spendByChannel[s.Channel] += s.Spend
			total += s.Spend
		}
		if total <= 0 {
			continue
		}

		channels := make([]Channel, 0, len(spendByChannel))
		for ch := range spendByChannel {
			channels = append(channels, ch)
		}
		sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })

		for _, ch := range channels {
			weight := spendByChannel[ch] / total
			out = append(out, AttributionEvent{
				OrderID:         o.OrderID,
				Channel:         ch,
				Weight:          weight,
				CreditedRevenue: o.Revenue * weight,
				EventDate:       o.Date,
				ModelUsed:       ModelWeightedCredit,
			})
		}
	}
	return out, nil
}

// inWindow reports whether touchDate falls within windowDays before
// conversionDate, inclusive on both ends.
func inWindow(touchDate, conversionDate time.Time, windowDays int) bool {
	if conversionDate.Before(touchDate) {
		return false
	}
	return conversionDate.Sub(touchDate) <= time.Duration(windowDays)*24*time.Hour
}

var windowPartRe = regexp.MustCompile(`^(\d+)d?$`)

// ParseAttributionSetting parses a platform attribution setting such as
// "7d_click_1d_view" into an AttributionWindow. Invalid or empty settings
// fall back to the 30d-click/1d-view default.
func ParseAttributionSetting(setting string) AttributionWindow {
	w := AttributionWindow{ClickDays: 30, ViewDays: 1}
	if setting == "" {
		return w
	}
	parts := strings.Split(strings.ReplaceAll(strings.ToLower(setting), "-", "_"), "_")
	for i := 0; i+1 < len(parts); i++ {
		m := windowPartRe.FindStringSubmatch(parts[i])
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		switch {
		case strings.Contains(parts[i+1], "click"):
			w.ClickDays = n
		case strings.Contains(parts[i+1], "view"):
			w.ViewDays = n
		}
	}
	return w
}

// CheckConservation verifies the conservation invariant: for every order,
// credited revenue across channels sums to the order's observed revenue
// within floating-point tolerance. Orders that received no credit at all
// are exempt (no in-window spend).
func CheckConservation(orders []Order, events []AttributionEvent) error {
	credited := make(map[string]float64)
	for _, e := range events {
		credited[e.OrderID] += e.CreditedRevenue
	}
	for _, o := range orders {
		got, ok := credited[o.OrderID]
		if !ok {
			continue
		}
		if math.Abs(got-o.Revenue) > 1e-6*math.Max(1, math.Abs(o.Revenue)) {
			return fmt.Errorf("order %s: credited %.6f != revenue %.6f", o.OrderID, got, o.Revenue)
		}
	}
	return nil
}

// SelectAllocator picks the Markov allocator when enough touchpoint
// sequences are available, otherwise the weighted-credit default.
func SelectAllocator(in AttributionInput, minPaths int) Allocator {
	if minPaths <= 0 {
		minPaths = defaultMinPaths
	}
	if len(in.Paths) >= minPaths {
		return NewMarkovAllocator(minPaths)
	}
	return NewWeightedCreditAllocator()
}

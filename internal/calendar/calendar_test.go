package calendar

import (
	"testing"
	"time"

	"github.com/chronoretrace/marketdata/internal/symbol"
)

func TestWeekdayCalendarSkipsWeekends(t *testing.T) {
	cal := For(symbol.MarketAShare)
	sat := time.Date(2026, 7, 25, 0, 0, 0, 0, time.UTC) // a Saturday
	if cal.IsTradingDay(sat) {
		t.Errorf("expected Saturday to not be a trading day")
	}
}

func TestAlwaysOpenCalendarTradesEveryDay(t *testing.T) {
	cal := For(symbol.MarketCrypto)
	sun := time.Date(2026, 7, 26, 0, 0, 0, 0, time.UTC)
	if !cal.IsTradingDay(sun) {
		t.Errorf("expected crypto calendar to treat every day as trading")
	}
}

func TestIsFreshUsesLastSessionNotCalendarDay(t *testing.T) {
	// Monday 2026-07-27: last session before it is Friday 2026-07-24.
	monday := time.Date(2026, 7, 27, 9, 0, 0, 0, time.UTC)
	fridayClose := time.Date(2026, 7, 24, 16, 0, 0, 0, time.UTC)
	if !IsFresh(symbol.MarketAShare, fridayClose, monday) {
		t.Errorf("Friday's close should still be fresh on the following Monday")
	}

	staleUpdate := time.Date(2026, 7, 20, 16, 0, 0, 0, time.UTC)
	if IsFresh(symbol.MarketAShare, staleUpdate, monday) {
		t.Errorf("data from the prior week should be stale")
	}
}

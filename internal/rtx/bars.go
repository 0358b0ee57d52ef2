package rtx

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"rtxbridge/internal/config"
	"rtxbridge/internal/domain"
)

const (
	barDateLayout     = "2006-01-02"
	barDateTimeLayout = "2006-01-02 15:04:05"
)

// queryBars requests OHLCV bars for an active symbol. interval is D, W, M
// or a minute count. start may be "-N" (N intervals back from the current
// feed time), "." (today), a date, or a local date and time; end accepts
// the same forms except "-N". Both bounds are clamped to the symbol's
// trading session.
func (s *Session) queryBars(symbol, interval, start, end string, sink domain.Sink) {
	if !s.cfg.Features.Barchart {
		s.failQueryBars("query_bars unimplemented", sink)
		return
	}
	sym, ok := s.symbols[symbol]
	if !ok {
		s.failQueryBars(fmt.Sprintf("query_bars failed: symbol %s not active", symbol), sink)
		return
	}

	table, barInterval, err := parseBarInterval(interval)
	if err != nil {
		s.failQueryBars(fmt.Sprintf("query_bars: %v", err), sink)
		return
	}
	sessStart, err1 := parseSessionClock(sym.rawdata.Str("STARTTIME"))
	sessStop, err2 := parseSessionClock(sym.rawdata.Str("STOPTIME"))
	if err1 != nil || err2 != nil {
		s.failQueryBars(fmt.Sprintf("query_bars: session times unavailable for %s", symbol), sink)
		return
	}

	var begin, finish time.Time
	if strings.HasPrefix(start, "-") {
		offset, err := strconv.Atoi(start)
		if err != nil {
			s.failQueryBars("query_bars: bad parameter format bar_start="+start, sink)
			return
		}
		finish = s.feedTime().Add(time.Minute)
		if clockOf(finish) > sessStop {
			finish = atClock(finish, sessStop)
		}
		switch {
		case table == tableDaily && barInterval == 0:
			begin = finish.AddDate(0, 0, offset)
		case table == tableDaily && barInterval == 1:
			begin = finish.AddDate(0, 0, 7*offset)
		case table == tableDaily:
			begin = finish.AddDate(0, 0, 30*offset)
		default:
			begin = finish.Add(time.Duration(offset*barInterval) * time.Minute)
		}
		if clockOf(begin) < sessStart {
			begin = atClock(begin, sessStart)
		}
	} else {
		today := s.feedTime().Format(barDateLayout)
		if start == "." {
			start = today
		}
		begin, err = s.parseBarBound(start, sessStart)
		if err != nil {
			s.failQueryBars("query_bars: bad parameter format bar_start="+start, sink)
			return
		}
		if end == "." {
			end = begin.Format(barDateLayout)
		}
		finish, err = s.parseBarBound(end, sessStop)
		if err != nil {
			s.failQueryBars("query_bars: bad parameter format bar_end="+end, sink)
			return
		}
	}

	if clockOf(begin) < sessStart || table == tableDaily {
		begin = atClock(begin, sessStart)
	}
	if clockOf(finish) > sessStop || table == tableDaily {
		finish = atClock(finish, sessStop)
	}

	where := strings.Join([]string{
		fmt.Sprintf("DISP_NAME='%s'", symbol),
		fmt.Sprintf("BARINTERVAL=%d", barInterval),
		fmt.Sprintf("STARTDATE='%s'", begin.Format("2006/01/02")),
		fmt.Sprintf("CHART_STARTTIME='%s'", begin.Format("15:04")),
		fmt.Sprintf("STOPDATE='%s'", finish.Format("2006/01/02")),
		fmt.Sprintf("CHART_STOPTIME='%s'", finish.Format("15:04")),
	}, ",")

	cb := s.newCallback(table+";"+where, labelBarchart, sink, config.TimeoutBarchart)
	s.cxnGet(serviceTA, topicLiveQuote).request(table, barchartFields, where, cb)
}

func (s *Session) failQueryBars(msg string, sink domain.Sink) {
	s.errorHandler(s.id, msg)
	s.newCallback(s.id, labelQueryBarsFailed, sink, "").fail(fmt.Errorf("%w: %s", ErrBarsUnavailable, msg))
}

// feedTime is the last gateway clock reading, or the local clock converted
// to the feed zone before the first tick.
func (s *Session) feedTime() time.Time {
	if !s.feedNow.IsZero() {
		return s.feedNow
	}
	return s.now().In(s.clock.FeedZone())
}

// parseBarBound accepts a feed date (completed with the session clock) or a
// local date and time.
func (s *Session) parseBarBound(v string, sessionClock time.Duration) (time.Time, error) {
	if t, err := time.Parse(barDateTimeLayout, v); err == nil {
		return s.clock.Unlocalize(t), nil
	}
	d, err := time.ParseInLocation(barDateLayout, v, s.clock.FeedZone())
	if err != nil {
		return time.Time{}, err
	}
	return d.Add(sessionClock), nil
}

func parseBarInterval(interval string) (table string, n int, err error) {
	switch {
	case strings.HasPrefix(interval, "D"):
		return tableDaily, 0, nil
	case strings.HasPrefix(interval, "W"):
		return tableDaily, 1, nil
	case strings.HasPrefix(interval, "M"):
		return tableDaily, 2, nil
	}
	n, err = strconv.Atoi(interval)
	if err != nil || n <= 0 {
		return "", 0, fmt.Errorf("bad bar interval %q", interval)
	}
	return tableIntraday, n, nil
}

func parseSessionClock(v string) (time.Duration, error) {
	t, err := time.Parse("15:04:05", v)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second, nil
}

func clockOf(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
}

// atClock returns t's date at the given time of day, truncated to the
// minute.
func atClock(t time.Time, clock time.Duration) time.Time {
	clock = clock.Truncate(time.Minute)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).Add(clock)
}

// formatBarchart renders the single column-oriented bar row as
// [date, time, open, high, low, close, volume] entries in local time.
func (s *Session) formatBarchart(rows []Row) ([][]any, error) {
	if len(rows) != 1 || rows[0] == nil {
		return nil, fmt.Errorf("%w: barchart data format failed: %v", ErrBarsUnavailable, rows)
	}
	row := rows[0].clone()
	dates, ok := row["TRD_DATE"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: barchart data format failed: %v", ErrBarsUnavailable, map[string]any(row))
	}

	// DAILY bars carry no times.
	if row.Str("TRDTIM_1") == FieldNoRecord.String() {
		start := ""
		if sym, ok := s.symbols[row.Str("DISP_NAME")]; ok {
			start = sym.rawdata.Str("STARTTIME")
		}
		spoof := make([]any, len(dates))
		for i := range spoof {
			spoof[i] = start
		}
		row["TRDTIM_1"] = spoof
	}

	cols := make(map[string][]any, 6)
	for _, name := range []string{"TRDTIM_1", "OPEN_PRC", "HIGH_1", "LOW_1", "SETTLE", "ACVOL_1"} {
		col, ok := row[name].([]any)
		if !ok || len(col) != len(dates) {
			return nil, fmt.Errorf("%w: barchart data format failed: %v", ErrBarsUnavailable, map[string]any(row))
		}
		cols[name] = col
	}

	p := s.fields
	bars := make([][]any, 0, len(dates))
	for i := range dates {
		d, t := s.formatBarchartDate(dates[i], cols["TRDTIM_1"][i], s.id)
		bars = append(bars, []any{
			d, t,
			p.Float(cols["OPEN_PRC"][i], s.id, "OPEN_PRC"),
			p.Float(cols["HIGH_1"][i], s.id, "HIGH_1"),
			p.Float(cols["LOW_1"][i], s.id, "LOW_1"),
			p.Float(cols["SETTLE"][i], s.id, "SETTLE"),
			p.Int(cols["ACVOL_1"][i], s.id, "ACVOL_1"),
		})
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: barchart returned no bars", ErrBarsUnavailable)
	}
	return bars, nil
}

// formatBarchartDate converts feed date and time fields to local
// ("YYYY-MM-DD", "HH:MM:SS"), or two empty strings when either is missing.
func (s *Session) formatBarchartDate(dateVal, timeVal any, pid string) (string, string) {
	y, m, d, ok := s.fields.Date(dateVal, pid, "TRD_DATE")
	if !ok {
		return "", ""
	}
	clk, ok := s.fields.Time(timeVal, pid, "TRDTIM_1")
	if !ok {
		return "", ""
	}
	t := s.clock.Localize(time.Date(y, m, d, 0, 0, 0, 0, s.clock.FeedZone()).Add(clk))
	return t.Format(barDateLayout), t.Format("15:04:05")
}

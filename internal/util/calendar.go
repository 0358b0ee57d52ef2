package util

import (
	"fmt"
	"time"
)

// FeedClock converts between the gateway's wall clock (the feed zone) and
// the local zone in which downstream clients see times.
type FeedClock struct {
	feed   *time.Location
	local  *time.Location
	offset time.Duration
}

// NewFeedClock loads the two zones by IANA name. An empty local name means
// time.Local. offset is added to every feed time before localization and is
// only non-zero in test deployments.
func NewFeedClock(feedZone, localZone string, offset time.Duration) (*FeedClock, error) {
	feed, err := time.LoadLocation(feedZone)
	if err != nil {
		return nil, fmt.Errorf("loading feed zone %q: %w", feedZone, err)
	}
	local := time.Local
	if localZone != "" {
		local, err = time.LoadLocation(localZone)
		if err != nil {
			return nil, fmt.Errorf("loading local zone %q: %w", localZone, err)
		}
	}
	return &FeedClock{feed: feed, local: local, offset: offset}, nil
}

// FeedZone returns the gateway's zone.
func (c *FeedClock) FeedZone() *time.Location { return c.feed }

// LocalZone returns the downstream zone.
func (c *FeedClock) LocalZone() *time.Location { return c.local }

// FeedTime builds a feed-zone instant from gateway date/time fields and
// applies the configured offset.
func (c *FeedClock) FeedTime(year int, month time.Month, day int, clock time.Duration) time.Time {
	t := time.Date(year, month, day, 0, 0, 0, 0, c.feed).Add(clock)
	return t.Add(c.offset)
}

// Localize converts a feed-zone wall time to the local zone.
func (c *FeedClock) Localize(t time.Time) time.Time {
	wall := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, c.feed)
	return wall.In(c.local)
}

// Unlocalize converts a local wall time to the feed zone.
func (c *FeedClock) Unlocalize(t time.Time) time.Time {
	wall := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, c.local)
	return wall.In(c.feed)
}

// ParseClock parses an "HH:MM" time of day.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parsing time of day %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Package store persists sessions into a fixed pool of numbered slots on a
// key-value surface.
//
// Each slot holds one session serialized as a single delimited line:
//
//	state_security_addon_device_referrer_startTime_duration_clicks_scrolls_flow
//
// The flow is everything after the ninth delimiter, so it may itself contain
// delimiter-like characters.
package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformed is returned when a line does not parse as a session record.
var ErrMalformed = errors.New("malformed session record")

// State is the lifecycle state stored in a record.
type State int

const (
	// StateClosed marks a finished session awaiting transmission.
	StateClosed State = 0
	// StateOpen marks a session that may still be recording.
	StateOpen State = 1
	// StateBlocked marks a session an external scorer has flagged.
	StateBlocked State = 2
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// recordFields is the number of fields in a record line.
const recordFields = 10

// Session is one tracked visit bound to a slot.
type Session struct {
	Slot     int
	State    State
	Secure   bool
	Addons   int
	Device   int
	Referrer int
	Start    time.Time
	Duration time.Duration
	Clicks   int
	Scrolls  int
	Flow     string
}

// LastTouched is the last time the session was saved: its start plus the
// recorded duration, at one second resolution.
func (s *Session) LastTouched() time.Time {
	return s.Start.Add(s.Duration)
}

// Line serializes the session.
func (s *Session) Line() string {
	secure := 0
	if s.Secure {
		secure = 1
	}
	var b strings.Builder
	b.Grow(40 + len(s.Flow))
	for _, n := range []int64{
		int64(s.State), int64(secure), int64(s.Addons), int64(s.Device), int64(s.Referrer),
		s.Start.Unix(), int64(s.Duration / time.Second), int64(s.Clicks), int64(s.Scrolls),
	} {
		b.WriteString(strconv.FormatInt(n, 10))
		b.WriteByte('_')
	}
	b.WriteString(s.Flow)
	return b.String()
}

// ParseLine parses a record line. The slot is not part of the line and is
// left zero.
func ParseLine(line string) (*Session, error) {
	fields := strings.SplitN(line, "_", recordFields)
	if len(fields) != recordFields {
		return nil, fmt.Errorf("%w: %d fields", ErrMalformed, len(fields))
	}
	nums := make([]int64, recordFields-1)
	for i, f := range fields[:recordFields-1] {
		n, err := strconv.ParseInt(f, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: field %d %q", ErrMalformed, i+1, f)
		}
		nums[i] = n
	}
	s := &Session{
		State:    State(nums[0]),
		Secure:   nums[1] == 1,
		Addons:   int(nums[2]),
		Device:   int(nums[3]),
		Referrer: int(nums[4]),
		Start:    time.Unix(nums[5], 0),
		Duration: time.Duration(nums[6]) * time.Second,
		Clicks:   int(nums[7]),
		Scrolls:  int(nums[8]),
		Flow:     fields[9],
	}
	switch {
	case s.State > StateBlocked:
		return nil, fmt.Errorf("%w: state %d", ErrMalformed, s.State)
	case nums[1] > 1:
		return nil, fmt.Errorf("%w: security flag %d", ErrMalformed, nums[1])
	case s.Device > 2:
		return nil, fmt.Errorf("%w: device class %d", ErrMalformed, s.Device)
	case s.Referrer > 255:
		return nil, fmt.Errorf("%w: referrer class %d", ErrMalformed, s.Referrer)
	}
	return s, nil
}

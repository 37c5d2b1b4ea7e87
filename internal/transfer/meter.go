package transfer

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
)

// Meter derives throughput from a Status. Values are advisory only.
type Meter struct {
	clock  clock.Clock
	status *Status
	start  time.Time
}

// NewMeter starts metering status at the current time of c.
func NewMeter(c clock.Clock, status *Status) *Meter {
	if c == nil {
		c = clock.New()
	}
	return &Meter{clock: c, status: status, start: c.Now()}
}

// Elapsed returns the time since the meter was started.
func (m *Meter) Elapsed() time.Duration {
	return m.clock.Since(m.start)
}

// Rate returns bytes per second.
func (m *Meter) Rate() float64 {
	elapsed := m.Elapsed().Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(m.status.Transferred()) / elapsed
}

// Remaining estimates the time left, 0 when the length or rate is unknown.
func (m *Meter) Remaining() time.Duration {
	length := m.status.Length()
	rate := m.Rate()
	done := m.status.Transferred()
	if length < 0 || rate <= 0 || done >= length {
		return 0
	}
	return time.Duration(float64(length-done) / rate * float64(time.Second))
}

func (m *Meter) String() string {
	done := m.status.Transferred()
	msg := humanize.IBytes(uint64(done))
	if length := m.status.Length(); length >= 0 {
		msg = fmt.Sprintf("%s of %s", msg, humanize.IBytes(uint64(length)))
	}
	msg = fmt.Sprintf("%s (%s/s)", msg, humanize.IBytes(uint64(m.Rate())))
	if eta := m.Remaining(); eta > 0 {
		msg = fmt.Sprintf("%s, %s left", msg, eta.Round(time.Second))
	}
	return msg
}

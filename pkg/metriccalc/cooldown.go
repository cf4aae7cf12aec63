/**
 * Copyright (c) 2020 CoCreate LLC
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of
 * this software and associated documentation files (the "Software"), to deal in
 * the Software without restriction, including without limitation the rights to
 * use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
 * the Software, and to permit persons to whom the Software is furnished to do so,
 * subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
 * FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
 * COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
 * IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
 * CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */

package metriccalc

import (
	"time"
)

// CooldownTracker keeps an independent cooldown timer per scaling direction
type CooldownTracker struct {
	periods map[ScaleT]time.Duration
	last    map[ScaleT]time.Time
}

// NewCooldownTracker creates a tracker with no scaling recorded
func NewCooldownTracker(up, down time.Duration) *CooldownTracker {
	return &CooldownTracker{
		periods: map[ScaleT]time.Duration{ScaleUp: up, ScaleDown: down},
		last:    map[ScaleT]time.Time{},
	}
}

// Record starts the cooldown of direction s at now
func (c *CooldownTracker) Record(s ScaleT, now time.Time) {
	c.last[s] = now
}

// LastScaleAt returns when s was last recorded, false if never
func (c *CooldownTracker) LastScaleAt(s ScaleT) (time.Time, bool) {
	t, ok := c.last[s]
	return t, ok
}

// Remaining returns how long the cooldown of s still lasts at now
func (c *CooldownTracker) Remaining(s ScaleT, now time.Time) time.Duration {
	t, ok := c.last[s]
	if !ok {
		return 0
	}
	if r := c.periods[s] - now.Sub(t); r > 0 {
		return r
	}
	return 0
}

// Active reports whether now - last scaling of s < cooldown of s
func (c *CooldownTracker) Active(s ScaleT, now time.Time) bool {
	return c.Remaining(s, now) > 0
}

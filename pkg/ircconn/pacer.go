// mautrix-irc - A Matrix-IRC puppeting bridge.
// Copyright (C) 2026 Tulir Asokan
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package ircconn

import "time"

const minSendDelay = 1500 * time.Millisecond

// pacer implements the outbound flood throttle. Lines sent in the same
// wall-clock second accumulate penalty; once the penalty exceeds the
// threshold, every line pays its full delay. Long lines always pay.
type pacer struct {
	last    time.Time
	penalty int
}

// delay updates the penalty counter for a line of n bytes sent at now and
// returns how long to sleep after transmitting it. Zero means the next line
// may go out immediately.
func (p *pacer) delay(n int, now time.Time) time.Duration {
	diff := int(now.Sub(p.last).Seconds())
	if diff == 0 {
		p.penalty++
	} else {
		p.penalty -= diff
		if p.penalty < 0 {
			p.penalty = 0
		}
	}
	sleep := time.Duration(float64(n) / 512 * 6 * float64(time.Second))
	if p.penalty > 5 || sleep > minSendDelay {
		if sleep < minSendDelay {
			sleep = minSendDelay
		}
		return sleep
	}
	p.last = now
	return 0
}

// sent records the time transmission of the previous line finished. Called
// after sleeping off a returned delay.
func (p *pacer) sent(now time.Time) {
	p.last = now
}

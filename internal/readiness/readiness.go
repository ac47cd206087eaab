/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package readiness polls a dependent service until it accepts commands.
package readiness

import (
	"context"
	"time"
)

// Probe reports whether the service is ready.
type Probe func(ctx context.Context) bool

// WaitUntilReady calls probe up to maxAttempts times, sleeping interval
// between attempts. It returns true on the first success and false once the
// attempts are exhausted or ctx is done. The interval is fixed.
func WaitUntilReady(ctx context.Context, probe Probe, maxAttempts int, interval time.Duration) bool {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for attempt := 1; ; attempt++ {
		if probe(ctx) {
			return true
		}
		if attempt >= maxAttempts {
			return false
		}

		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
		}
	}
}

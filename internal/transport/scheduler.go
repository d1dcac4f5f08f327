package transport

import "time"

const (
	minSendInterval = 20 * time.Millisecond
	maxSendInterval = 250 * time.Millisecond
	ackDelay        = 100 * time.Millisecond
	ackInterval     = 3000 * time.Millisecond
)

// sendCadence computes the target inter-send interval while the local side has unsent changes:
// twice per RTT, clamped to [20ms, 250ms].
func sendCadence(srtt time.Duration) time.Duration {
	interval := srtt / 2
	if interval < minSendInterval {
		return minSendInterval
	}
	if interval > maxSendInterval {
		return maxSendInterval
	}
	return interval
}

// nextSendDeadline implements the three-tier scheduling rule.
//
//   - dataPending: the local side has advanced since the peer's last-acked state -- send at
//     sendCadence(srtt).
//   - ackPending: we've received a remote state newer than the one we last acknowledged, and
//     it has been at least ackDelay since our last send -- send a heartbeat now.
//   - otherwise: send a keep-alive every ackInterval.
func nextSendDeadline(now, lastSendAt time.Time, srtt time.Duration, dataPending, ackPending bool) time.Time {
	if dataPending {
		return lastSendAt.Add(sendCadence(srtt))
	}
	if ackPending {
		due := lastSendAt.Add(ackDelay)
		if !due.After(now) {
			return now
		}
		return due
	}
	return lastSendAt.Add(ackInterval)
}

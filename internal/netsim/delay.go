/*
 * wmosh: a native Windows client for the Mosh state synchronization protocol
 * Copyright 2019-2026 Daniel Selifonov
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package netsim provides a fixed-latency ring buffer for injecting artificial network delay
// around an io.ReadWriteCloser in tests, used to exercise the send scheduler and RTT estimator
// under conditions closer to a real lossy/laggy link than an in-process direct call.
package netsim

import (
	"io"
	"sync"
	"time"
)

// RingDelayer wraps an upstream io.ReadWriteCloser so writes are released only after a fixed
// delay has elapsed, in FIFO order. Reads pass through unmodified -- only the direction under
// test (outbound datagrams) needs simulated latency.
type RingDelayer struct {
	upstream io.ReadWriteCloser
	delay    time.Duration

	ring     [][]byte
	sendTime []time.Time
	head     int
	tail     int

	cond *sync.Cond

	termination error
	notifyChan  chan interface{}
}

// Delay wraps upstream so that every Write is released after delay has elapsed, buffering up to
// ringSize in-flight writes before Write itself starts blocking.
func Delay(upstream io.ReadWriteCloser, delay time.Duration, ringSize int) *RingDelayer {
	rd := &RingDelayer{
		upstream: upstream,
		delay:    delay,

		ring:     make([][]byte, ringSize),
		sendTime: make([]time.Time, ringSize),

		cond: sync.NewCond(&sync.Mutex{}),

		notifyChan: make(chan interface{}, ringSize),
	}
	go rd.drain()
	return rd
}

func (rd *RingDelayer) drain() {
	for range rd.notifyChan {
		rd.cond.L.Lock()

		now := time.Now()
		headTime := rd.sendTime[rd.head]
		wait := headTime.Sub(now)
		buffer := rd.ring[rd.head]

		if wait > 0 {
			rd.cond.L.Unlock()
			time.Sleep(wait)
			rd.cond.L.Lock()
		}

		rd.ring[rd.head] = nil
		rd.head++
		rd.head %= len(rd.ring)
		rd.cond.Signal()
		rd.cond.L.Unlock()

		_, err := rd.upstream.Write(buffer)
		rd.cond.L.Lock()
		if err != nil {
			rd.termination = err
			close(rd.notifyChan)
		}
		rd.cond.L.Unlock()
	}
}

// Close stops accepting new writes and closes the upstream.
func (rd *RingDelayer) Close() error {
	if rd.termination != nil {
		return rd.termination
	}
	rd.termination = io.EOF
	close(rd.notifyChan)
	return rd.upstream.Close()
}

// Read passes straight through to upstream; only Write is delayed.
func (rd *RingDelayer) Read(p []byte) (int, error) {
	return rd.upstream.Read(p)
}

// Write enqueues p for delivery to upstream after the configured delay, blocking only if the
// ring is already full (ringSize writes in flight).
func (rd *RingDelayer) Write(p []byte) (int, error) {
	if rd.termination != nil {
		return 0, rd.termination
	}
	sendTime := time.Now().Add(rd.delay)
	buffer := make([]byte, len(p))
	copy(buffer, p)

	rd.cond.L.Lock()
	for rd.ring[rd.tail] != nil {
		rd.cond.Wait()
	}
	rd.ring[rd.tail] = buffer
	rd.sendTime[rd.tail] = sendTime
	rd.tail++
	rd.tail %= len(rd.ring)
	rd.cond.L.Unlock()

	if rd.termination != nil {
		return 0, rd.termination
	}
	rd.notifyChan <- true
	return len(p), nil
}

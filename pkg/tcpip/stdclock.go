// Copyright 2025 The tcpsock Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tcpip

import "time"

// stdClock implements Clock with the time package.
type stdClock struct {
	// baseTime is the reference point for NowMonotonic. time.Time values
	// carry a monotonic reading as long as they come from time.Now, so
	// subtracting baseTime yields a monotonic duration.
	baseTime time.Time
}

// NewStdClock returns a Clock backed by the time package.
func NewStdClock() Clock {
	return &stdClock{baseTime: time.Now()}
}

// NowNanoseconds implements Clock.NowNanoseconds.
func (*stdClock) NowNanoseconds() int64 {
	return time.Now().UnixNano()
}

// NowMonotonic implements Clock.NowMonotonic.
func (s *stdClock) NowMonotonic() int64 {
	return time.Since(s.baseTime).Nanoseconds()
}

// AfterFunc implements Clock.AfterFunc.
func (*stdClock) AfterFunc(d time.Duration, f func()) Timer {
	return &stdTimer{t: time.AfterFunc(d, f)}
}

type stdTimer struct {
	t *time.Timer
}

// Stop implements Timer.Stop.
func (st *stdTimer) Stop() bool {
	return st.t.Stop()
}

// Reset implements Timer.Reset.
func (st *stdTimer) Reset(d time.Duration) {
	st.t.Reset(d)
}

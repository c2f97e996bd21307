// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package metrics tracks per-Channel counters and periodically dumps them
// to a rotating CSV log. There is no global singleton counter set; each
// Channel owns its own Stats instance instead.
package metrics

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// Stats holds the counters a Channel updates as it sends and receives.
// Fields are plain uint64s rather than atomics because every Channel method
// that touches them already holds the channel's mutex; Snapshot below uses
// atomic loads only for the values handed to a concurrent logger goroutine.
type Stats struct {
	PacketsSent      uint64
	PacketsReceived  uint64
	Retransmits      uint64
	SendErrors       uint64
	DecryptErrors    uint64
	HandshakeRetries uint64
}

// New returns a zeroed Stats.
func New() *Stats { return &Stats{} }

// header lists the CSV column names, in Snapshot/toSlice order.
func header() []string {
	return []string{"PacketsSent", "PacketsReceived", "Retransmits", "SendErrors", "DecryptErrors", "HandshakeRetries"}
}

// snapshot is an immutable copy of Stats safe to hand to a logger goroutine.
type snapshot struct {
	sent, recv, retx, serr, derr, hretry uint64
}

// Snapshot copies the current counter values. Callers typically invoke this
// while holding the owning Channel's lock.
func (s *Stats) Snapshot() snapshot {
	return snapshot{
		sent:   atomic.LoadUint64(&s.PacketsSent),
		recv:   atomic.LoadUint64(&s.PacketsReceived),
		retx:   atomic.LoadUint64(&s.Retransmits),
		serr:   atomic.LoadUint64(&s.SendErrors),
		derr:   atomic.LoadUint64(&s.DecryptErrors),
		hretry: atomic.LoadUint64(&s.HandshakeRetries),
	}
}

func (sn snapshot) toSlice() []string {
	return []string{
		fmt.Sprint(sn.sent),
		fmt.Sprint(sn.recv),
		fmt.Sprint(sn.retx),
		fmt.Sprint(sn.serr),
		fmt.Sprint(sn.derr),
		fmt.Sprint(sn.hretry),
	}
}

// Logger periodically appends a Stats snapshot to a CSV file. path's
// basename is treated as a time.Format pattern so logs rotate by day/hour
// as the operator configures, and a header row is written only into a
// fresh, empty file.
func Logger(path string, interval time.Duration, s *Stats) {
	if path == "" || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		logdir, logfile := filepath.Split(path)
		f, err := os.OpenFile(logdir+time.Now().Format(logfile), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Println(err)
			return
		}
		w := csv.NewWriter(f)
		if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
			if err := w.Write(append([]string{"Unix"}, header()...)); err != nil {
				log.Println(err)
			}
		}
		sn := s.Snapshot()
		if err := w.Write(append([]string{fmt.Sprint(time.Now().Unix())}, sn.toSlice()...)); err != nil {
			log.Println(err)
		}
		w.Flush()
		f.Close()
	}
}

package reactor

import (
	"cmp"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
)

// ConnStats counts bytes moved by one connection. Counters are atomic so a
// snapshot may be taken from outside the reactor goroutine.
type ConnStats struct {
	num     ID
	fd      int
	label   string
	in      atomic.Int64
	out     atomic.Int64
	partner atomic.Int64
}

func newConnStats(id ID, fd int, label string) *ConnStats {
	s := &ConnStats{num: id, fd: fd, label: label}
	s.partner.Store(-1)
	return s
}

// ConnSnapshot is a point-in-time copy of one connection's counters.
type ConnSnapshot struct {
	Num     ID
	FD      int
	Label   string
	In      int64
	Out     int64
	Partner int
}

type statsTable struct {
	mu sync.Mutex
	m  map[ID]*ConnStats
}

func (t *statsTable) add(s *ConnStats) {
	t.mu.Lock()
	t.m[s.num] = s
	t.mu.Unlock()
}

func (t *statsTable) remove(id ID) {
	t.mu.Lock()
	delete(t.m, id)
	t.mu.Unlock()
}

// Stats returns a snapshot of every live connection, ordered by ID. Safe
// from any goroutine.
func (r *Reactor) Stats() []ConnSnapshot {
	r.stats.mu.Lock()
	out := make([]ConnSnapshot, 0, len(r.stats.m))
	for _, s := range r.stats.m {
		out = append(out, ConnSnapshot{
			Num:     s.num,
			FD:      s.fd,
			Label:   s.label,
			In:      s.in.Load(),
			Out:     s.out.Load(),
			Partner: int(s.partner.Load()),
		})
	}
	r.stats.mu.Unlock()

	slices.SortFunc(out, func(a, b ConnSnapshot) int {
		return cmp.Compare(a.Num, b.Num)
	})
	return out
}

type statisticsXML struct {
	XMLName     xml.Name        `xml:"Statistics"`
	Count       int             `xml:"connection_number"`
	Connections []connectionXML `xml:"connection"`
}

type connectionXML struct {
	Label   string `xml:"label,attr,omitempty"`
	Num     ID     `xml:"num"`
	Server  int    `xml:"server"`
	In      int64  `xml:"in"`
	Partner int    `xml:"partner"`
	Out     int64  `xml:"out"`
}

// WriteStatsXML renders snapshots as a <Statistics> document.
func WriteStatsXML(w io.Writer, snaps []ConnSnapshot) error {
	doc := statisticsXML{Count: len(snaps)}
	for _, s := range snaps {
		doc.Connections = append(doc.Connections, connectionXML{
			Label:   s.Label,
			Num:     s.Num,
			Server:  s.FD,
			In:      s.In,
			Partner: s.Partner,
			Out:     s.Out,
		})
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode statistics: %w", err)
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// WriteStatsFile replaces path with the current statistics document.
func (r *Reactor) WriteStatsFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".stats-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := WriteStatsXML(tmp, r.Stats()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

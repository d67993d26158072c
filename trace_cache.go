package pxidig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// TraceCache holds the voltage traces of the last acquisition: one flat trace
// per enabled channel, and in hardware-loop mode one (nSeq x samples) matrix
// per enabled channel.
type TraceCache struct {
	ID      string // acquisition ID of the traces
	nSeq    int
	samples int
	traces  [][]float64  // indexed by logical channel; nil when disabled
	seqs    []*mat.Dense // indexed by logical channel; nil when not reshaped
	seqID   string       // acquisition ID of seqs
}

// NewTraceCache returns an empty cache for nchan channels.
func NewTraceCache(nchan int) *TraceCache {
	return &TraceCache{
		traces: make([][]float64, nchan),
		seqs:   make([]*mat.Dense, nchan),
	}
}

// Reset replaces the flat traces by zeroed ones of length nSeq*samples for the
// enabled channels. The reshaped traces are kept.
func (c *TraceCache) Reset(id string, nSeq, samples int, enabled []int) {
	c.ID = id
	c.nSeq = nSeq
	c.samples = samples
	for i := range c.traces {
		c.traces[i] = nil
	}
	for _, ch := range enabled {
		c.traces[ch] = make([]float64, nSeq*samples)
	}
}

// ClearSequences drops the reshaped traces.
func (c *TraceCache) ClearSequences() {
	for i := range c.seqs {
		c.seqs[i] = nil
	}
	c.seqID = ""
}

// running returns the trace of ch that measurements add into.
func (c *TraceCache) running(ch int) []float64 {
	return c.traces[ch]
}

// Reshape builds the (nSeq x samples) view of every non-empty trace.
func (c *TraceCache) Reshape() {
	c.seqID = c.ID
	for ch, tr := range c.traces {
		c.seqs[ch] = nil
		if len(tr) == 0 || len(tr) != c.nSeq*c.samples {
			continue
		}
		data := append([]float64(nil), tr...)
		c.seqs[ch] = mat.NewDense(c.nSeq, c.samples, data)
	}
}

// Trace returns a copy of the flat trace of ch, or nil if ch has none.
func (c *TraceCache) Trace(ch int) []float64 {
	if ch < 0 || ch >= len(c.traces) || c.traces[ch] == nil {
		return nil
	}
	return append([]float64(nil), c.traces[ch]...)
}

// Sequence returns a copy of the trace of ch at sequence point seq.
func (c *TraceCache) Sequence(ch, seq int) ([]float64, error) {
	if ch < 0 || ch >= len(c.seqs) {
		return nil, configErrorf("SequenceTrace", "channel %d out of range [0,%d)", ch, len(c.seqs))
	}
	m := c.seqs[ch]
	if m == nil {
		return nil, configErrorf("SequenceTrace", "no hardware-loop trace for channel %d", ch)
	}
	r, _ := m.Dims()
	if seq < 0 || seq >= r {
		return nil, configErrorf("SequenceTrace", "sequence %d out of range [0,%d)", seq, r)
	}
	return mat.Row(nil, seq, m), nil
}

// Export writes every trace into dir as NumPy files named
// <prefix>_ch<n>.npy, n counted from 1. Traces reshaped from the current
// acquisition are written as 2-D arrays. It returns the names of the files written.
func (c *TraceCache) Export(dir, prefix string) ([]string, error) {
	var names []string
	for ch, tr := range c.traces {
		if tr == nil {
			continue
		}
		fname := filepath.Join(dir, fmt.Sprintf("%s_ch%d.npy", prefix, ch+1))
		var val interface{} = tr
		if c.seqs[ch] != nil && c.seqID == c.ID {
			val = c.seqs[ch]
		}
		if err := writeNpy(fname, val); err != nil {
			return names, err
		}
		names = append(names, fname)
	}
	return names, nil
}

func writeNpy(fname string, val interface{}) error {
	f, err := os.Create(fname)
	if err != nil {
		return err
	}
	if err := npyio.Write(f, val); err != nil {
		f.Close()
		return fmt.Errorf("could not write %s: %w", fname, err)
	}
	return f.Close()
}

// Package accum decodes the accumulated samples of the digitizer sandbox and
// turns them into voltages.
//
// The accumulator sums Accumulations triggered segments on the FPGA and ships
// each 32-bit signed sum in 5 consecutive 16-bit transport words: the low half,
// the high half, then 3 padding words.
package accum

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// WordsPerSample is the number of transport words carrying one accumulated sample.
const WordsPerSample = 5

// Replication is how many times each averaged sample is repeated in a trace, so
// that a trace holds one value per transport word.
const Replication = WordsPerSample

// FullScale is the code of a full-scale input for 16-bit resolution.
const FullScale = float64(1<<15 - 1)

// Decode returns the signed 32-bit samples packed in words. A trailing partial
// block is dropped, and an empty input gives an empty result.
func Decode(words []uint16) []int32 {
	n := len(words) / WordsPerSample
	samples := make([]int32, n)
	for i := range samples {
		lo := uint32(words[i*WordsPerSample])
		hi := uint32(words[i*WordsPerSample+1])
		samples[i] = int32(hi<<16 | lo)
	}
	return samples
}

// Average views samples as an (nSeq, nReps, n) array and returns the mean over
// the repetition axis, flattened to length nSeq*n. An empty input gives an
// empty result.
func Average(samples []int32, nSeq, nReps int) ([]float64, error) {
	if nSeq <= 0 || nReps <= 0 {
		return nil, fmt.Errorf("accum: nSeq=%d and nReps=%d must be positive", nSeq, nReps)
	}
	if len(samples) == 0 {
		return []float64{}, nil
	}
	if len(samples)%(nSeq*nReps) != 0 {
		return nil, fmt.Errorf("accum: %d samples cannot be split in %d sequences of %d repetitions",
			len(samples), nSeq, nReps)
	}
	n := len(samples) / (nSeq * nReps)
	out := make([]float64, nSeq*n)
	column := make([]float64, nReps)
	for s := 0; s < nSeq; s++ {
		block := samples[s*nReps*n : (s+1)*nReps*n]
		for j := 0; j < n; j++ {
			for r := 0; r < nReps; r++ {
				column[r] = float64(block[r*n+j])
			}
			out[s*n+j] = stat.Mean(column, nil)
		}
	}
	return out, nil
}

// Replicate repeats each element of x factor times, keeping their order.
func Replicate(x []float64, factor int) []float64 {
	if factor < 1 {
		factor = 1
	}
	out := make([]float64, 0, len(x)*factor)
	for _, v := range x {
		for k := 0; k < factor; k++ {
			out = append(out, v)
		}
	}
	return out
}

// Scale returns the volts per accumulated count for a channel of the given
// range, full-scale code and number of accumulations.
func Scale(rangeV, fullScale float64, nAccum int) (float64, error) {
	if nAccum == 0 {
		return 0, fmt.Errorf("accum: the number of accumulations must not be zero")
	}
	if fullScale == 0 {
		return 0, fmt.Errorf("accum: the full-scale code must not be zero")
	}
	return rangeV / fullScale / float64(nAccum), nil
}

// Voltages converts averaged samples to volts, replicates them and adds them
// into trace, which must hold Replication*len(avg) values.
func Voltages(trace, avg []float64, scale float64) error {
	rep := Replicate(avg, Replication)
	if len(rep) != len(trace) {
		return fmt.Errorf("accum: trace holds %d values, data gives %d", len(trace), len(rep))
	}
	floats.AddScaled(trace, scale, rep)
	return nil
}

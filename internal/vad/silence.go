// Package vad classifies sample blocks as speech or silence by RMS energy.
package vad

import (
	"errors"
	"math"

	"voicechat/internal/domain"
)

// DefaultSilenceThreshold is the RMS level below which a block counts as silent.
const DefaultSilenceThreshold = 0.01

var ErrEmptyBlock = errors.New("vad: sample block has no samples")

// Classification is the result of classifying one block.
type Classification struct {
	RMS    float64
	Silent bool
}

// Detector compares the RMS energy of channel 0 against a fixed threshold.
type Detector struct {
	threshold float64
}

func NewDetector(threshold float64) Detector {
	if threshold <= 0 {
		threshold = DefaultSilenceThreshold
	}
	return Detector{threshold: threshold}
}

// Threshold returns the configured silence threshold.
func (d Detector) Threshold() float64 {
	return d.threshold
}

// Classify computes the RMS of channel 0 and reports whether it is below the threshold.
func (d Detector) Classify(block domain.SampleBlock) (Classification, error) {
	if block.Len() == 0 {
		return Classification{}, ErrEmptyBlock
	}
	rms, err := RMS(block[0])
	if err != nil {
		return Classification{}, err
	}
	return Classification{RMS: rms, Silent: rms < d.threshold}, nil
}

// RMS returns sqrt(mean(x^2)) over samples.
func RMS(samples []float32) (float64, error) {
	if len(samples) == 0 {
		return 0, ErrEmptyBlock
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples))), nil
}

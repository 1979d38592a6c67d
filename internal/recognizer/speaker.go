package recognizer

import (
	"log/slog"
)

const (
	minSpeakerFrames = 30
	cmnWindow        = 600
	cmnMinWindow     = 100
)

// SpeakerVector returns an x-vector over the non-silence speaker frames of the
// current utterance. ok is false when no speaker model is attached or too
// little speech was heard.
func (s *Session) SpeakerVector() (vec []float32, frames int, ok bool) {
	if s.speaker == nil || s.spkFeatures == nil {
		return nil, 0, false
	}
	nonsilence := s.silence.NonsilenceFrames(s.decoder)
	sub := s.bundle.SubsamplingFactor()

	var feats [][]float32
	for i := 0; i < s.spkFeatures.NumFramesReady(); i++ {
		if !nonsilence[i/sub] {
			continue
		}
		feats = append(feats, s.spkFeatures.Frame(i))
	}
	if len(feats) < minSpeakerFrames {
		s.log.Debug("not enough speech for speaker vector", slog.Int("frames", len(feats)))
		return nil, len(feats), false
	}

	vec, err := s.speaker.Network().Project(slidingWindowCMN(feats, cmnWindow, cmnMinWindow))
	if err != nil {
		s.log.Warn("speaker vector extraction failed", slogError(err))
		return nil, len(feats), false
	}
	return vec, len(feats), true
}

// slidingWindowCMN subtracts from each frame the mean over a window of
// preceding frames, widened to minWindow frames near the start.
func slidingWindowCMN(feats [][]float32, window, minWindow int) [][]float32 {
	n := len(feats)
	if n == 0 {
		return nil
	}
	dim := len(feats[0])
	out := make([][]float32, n)
	sum := make([]float64, dim)
	lo, hi := 0, 0

	for t := 0; t < n; t++ {
		start, end := t-window, t+1
		if start < 0 {
			end -= start
			start = 0
		}
		if end > t {
			end = max(t+1, minWindow)
		}
		if end > n {
			start -= end - n
			end = n
			if start < 0 {
				start = 0
			}
		}

		// The window only ever moves forward, so keep a running sum.
		for ; hi < end; hi++ {
			for d, v := range feats[hi] {
				sum[d] += float64(v)
			}
		}
		for ; lo < start; lo++ {
			for d, v := range feats[lo] {
				sum[d] -= float64(v)
			}
		}

		count := float64(end - start)
		row := make([]float32, dim)
		for d := range row {
			row[d] = feats[t][d] - float32(sum[d]/count)
		}
		out[t] = row
	}
	return out
}

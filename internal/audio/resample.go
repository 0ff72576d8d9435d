package audio

import "math"

// firTaps is the anti-aliasing filter length. Odd so the kernel has a center tap.
const firTaps = 31

// Resample converts samples between rates by linear interpolation, with a
// windowed-sinc low-pass pass to suppress aliasing. The input is returned
// unchanged when the rates already match.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate {
		return samples
	}
	nyquist := float64(min(srcRate, dstRate)) / 2

	// When reducing the rate, frequencies above the new Nyquist must go
	// before interpolation or they fold back into the band.
	if srcRate > dstRate {
		samples = firFilter(samples, nyquist/float64(srcRate))
	}

	step := float64(srcRate) / float64(dstRate)
	out := make([]float32, int(float64(len(samples))/step))
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j+1 >= len(samples) {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = samples[j] + (samples[j+1]-samples[j])*frac
	}

	// When raising the rate, interpolation introduces images above the old
	// Nyquist; filter them out afterwards.
	if dstRate > srcRate {
		out = firFilter(out, nyquist/float64(dstRate))
	}
	return out
}

// firFilter convolves samples with a Blackman-windowed sinc kernel whose
// cutoff is the given fraction of the sample rate. Edges use the taps that
// fall inside the signal.
func firFilter(samples []float32, cutoff float64) []float32 {
	kernel := blackmanSinc(cutoff)
	half := firTaps / 2
	out := make([]float32, len(samples))
	for i := range samples {
		lo := max(0, half-i)
		hi := min(firTaps, len(samples)-i+half)
		var acc float32
		for k := lo; k < hi; k++ {
			acc += samples[i+k-half] * kernel[k]
		}
		out[i] = acc
	}
	return out
}

// blackmanSinc builds a unity-gain low-pass kernel for the given normalized
// cutoff frequency.
func blackmanSinc(cutoff float64) [firTaps]float32 {
	var kernel [firTaps]float32
	half := firTaps / 2

	var sum float64
	for i := range kernel {
		n := float64(i - half)
		sinc := 1.0
		if n != 0 {
			x := 2 * math.Pi * cutoff * n
			sinc = math.Sin(x) / x
		}
		phase := float64(i) / float64(firTaps-1)
		window := 0.42 - 0.5*math.Cos(2*math.Pi*phase) + 0.08*math.Cos(4*math.Pi*phase)
		v := sinc * window
		kernel[i] = float32(v)
		sum += v
	}
	scale := float32(1 / sum)
	for i := range kernel {
		kernel[i] *= scale
	}
	return kernel
}

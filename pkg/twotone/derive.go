package twotone

import (
	"fmt"
	"math"
)

// Traces are the five tone channels and their shared frequency axis, one
// point per swept frequency.
type Traces struct {
	Frequency []float64 `json:"frequency"`
	PL        []float64 `json:"pl"`
	PH        []float64 `json:"ph"`
	IM2       []float64 `json:"im2"`
	IM3L      []float64 `json:"im3l"`
	IM3H      []float64 `json:"im3h"`
}

// Derived are the intercept points and gain computed point-wise from
// Traces, all in dBm or dB.
type Derived struct {
	OIP2 []float64 `json:"oip2"`
	OIP3 []float64 `json:"oip3"`
	Gain []float64 `json:"gain"`
	IIP2 []float64 `json:"iip2"`
	IIP3 []float64 `json:"iip3"`
}

// LengthMismatchError is returned when two sequences that must be
// point-aligned differ in length.
type LengthMismatchError struct {
	Name string
	Len  int
	Want int
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("%s has %d points, want %d", e.Name, e.Len, e.Want)
}

type namedSeq struct {
	name string
	v    []float64
}

func (t *Traces) checkLengths(withFrequency bool) error {
	n := len(t.PL)
	seqs := []namedSeq{{"PH", t.PH}, {"IM2", t.IM2}, {"IM3L", t.IM3L}, {"IM3H", t.IM3H}}
	if withFrequency {
		seqs = append(seqs, namedSeq{"frequency", t.Frequency})
	}
	for _, s := range seqs {
		if len(s.v) != n {
			return &LengthMismatchError{Name: s.name, Len: len(s.v), Want: n}
		}
	}
	return nil
}

// Derive computes, for every point i,
//
//	OIP2 = PL + PH - IM2
//	OIP3 = max((2PL + PH - IM3L)/2, (PL + 2PH - IM3H)/2)
//	Gain = PL - inputPower
//	IIP2 = OIP2 - Gain
//	IIP3 = OIP3 - Gain
//
// The frequency axis is not consulted.
func Derive(t Traces, inputPower float64) (*Derived, error) {
	if err := t.checkLengths(false); err != nil {
		return nil, err
	}

	n := len(t.PL)
	d := &Derived{
		OIP2: make([]float64, n),
		OIP3: make([]float64, n),
		Gain: make([]float64, n),
		IIP2: make([]float64, n),
		IIP3: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		pl, ph := t.PL[i], t.PH[i]
		d.OIP2[i] = pl + ph - t.IM2[i]
		d.OIP3[i] = math.Max((2*pl+ph-t.IM3L[i])/2, (pl+2*ph-t.IM3H[i])/2)
		d.Gain[i] = pl - inputPower
		d.IIP2[i] = d.OIP2[i] - d.Gain[i]
		d.IIP3[i] = d.OIP3[i] - d.Gain[i]
	}
	return d, nil
}

package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// LSTM is a single long short-term memory cell, stepped one position at a time.
//
// Gates are laid out as [input, forget, cell, output] blocks of Hidden rows each in Wx, Wh and B.
type LSTM struct {
	Wx, Wh, B  *Param
	In, Hidden int
}

// LSTMState is the recurrent state carried between steps.
type LSTMState struct {
	H, C []float64
}

// LSTMStep holds the values of one forward step needed by StepBackward.
type LSTMStep struct {
	x, hPrev, cPrev   []float64
	i, f, g, o, tanhC []float64
}

// NewLSTM creates an LSTM cell with weights uniform in ±1/sqrt(hidden) and the forget gate bias set to 1.
func NewLSTM(name string, in, hidden int, rng *rand.Rand) *LSTM {
	l := &LSTM{
		Wx:     NewParam(name+".weight_ih", 4*hidden, in),
		Wh:     NewParam(name+".weight_hh", 4*hidden, hidden),
		B:      NewParam(name+".bias", 4*hidden, 1),
		In:     in,
		Hidden: hidden,
	}
	scale := 1 / math.Sqrt(float64(hidden))
	l.Wx.InitUniform(rng, scale)
	l.Wh.InitUniform(rng, scale)
	bias := l.B.Data()
	for k := hidden; k < 2*hidden; k++ {
		bias[k] = 1
	}
	return l
}

// ZeroState returns the initial all zeros state.
func (l *LSTM) ZeroState() LSTMState {
	return LSTMState{H: make([]float64, l.Hidden), C: make([]float64, l.Hidden)}
}

// Step runs the cell on input x from state prev.
func (l *LSTM) Step(x []float64, prev LSTMState) (LSTMState, *LSTMStep) {
	H := l.Hidden
	z := make([]float64, 4*H)
	copy(z, l.B.Data())
	MulVecAdd(z, l.Wx.Value, x)
	MulVecAdd(z, l.Wh.Value, prev.H)

	step := &LSTMStep{
		x: x, hPrev: prev.H, cPrev: prev.C,
		i: make([]float64, H), f: make([]float64, H), g: make([]float64, H), o: make([]float64, H),
		tanhC: make([]float64, H),
	}
	next := LSTMState{H: make([]float64, H), C: make([]float64, H)}
	for k := 0; k < H; k++ {
		step.i[k] = sigmoid(z[k])
		step.f[k] = sigmoid(z[H+k])
		step.g[k] = math.Tanh(z[2*H+k])
		step.o[k] = sigmoid(z[3*H+k])
		next.C[k] = step.f[k]*prev.C[k] + step.i[k]*step.g[k]
		step.tanhC[k] = math.Tanh(next.C[k])
		next.H[k] = step.o[k] * step.tanhC[k]
	}
	return next, step
}

// StepBackward accumulates the parameter gradients of one step given the gradients of the loss with
// respect to the step's output state (dh, dc; either may be nil), and returns the gradients with
// respect to the step's input and previous state.
func (l *LSTM) StepBackward(step *LSTMStep, dh, dc []float64) (dx, dhPrev, dcPrev []float64) {
	H := l.Hidden
	dz := make([]float64, 4*H)
	dcPrev = make([]float64, H)
	for k := 0; k < H; k++ {
		var dhk, dck float64
		if dh != nil {
			dhk = dh[k]
		}
		if dc != nil {
			dck = dc[k]
		}
		i, f, g, o, tc := step.i[k], step.f[k], step.g[k], step.o[k], step.tanhC[k]
		dcTotal := dck + dhk*o*(1-tc*tc)
		dcPrev[k] = dcTotal * f
		dz[k] = dcTotal * g * i * (1 - i)
		dz[H+k] = dcTotal * step.cPrev[k] * f * (1 - f)
		dz[2*H+k] = dcTotal * i * (1 - g*g)
		dz[3*H+k] = dhk * tc * o * (1 - o)
	}
	OuterAdd(l.Wx.Grad, dz, step.x)
	OuterAdd(l.Wh.Grad, dz, step.hPrev)
	floats.Add(l.B.GradData(), dz)

	dx = make([]float64, l.In)
	MulTVecAdd(dx, l.Wx.Value, dz)
	dhPrev = make([]float64, H)
	MulTVecAdd(dhPrev, l.Wh.Value, dz)
	return
}

// Params returns the trainable parameters.
func (l *LSTM) Params() []*Param {
	return []*Param{l.Wx, l.Wh, l.B}
}

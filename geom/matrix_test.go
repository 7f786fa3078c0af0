package geom

import (
	"math"
	"testing"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestRotateDegreesExact(t *testing.T) {
	tests := []struct {
		deg     float64
		swapped bool
		aligned bool
	}{
		{0, false, true},
		{90, true, false},
		{180, false, true},
		{270, true, false},
		{-90, true, false},
		{450, true, false},
	}
	for _, tt := range tests {
		m := RotateDegrees(tt.deg)
		if m.IsAxisSwapped() != tt.swapped {
			t.Errorf("RotateDegrees(%v).IsAxisSwapped() = %v, want %v", tt.deg, m.IsAxisSwapped(), tt.swapped)
		}
		if m.IsAxisAligned() != tt.aligned {
			t.Errorf("RotateDegrees(%v).IsAxisAligned() = %v, want %v", tt.deg, m.IsAxisAligned(), tt.aligned)
		}
	}
	if RotateDegrees(45).IsAxisAligned() || RotateDegrees(45).IsAxisSwapped() {
		t.Error("45 degree rotation reported as axis aligned")
	}
}

func TestMultiplyAndInvert(t *testing.T) {
	m := Translate(3, 4).Multiply(Scale(2, -1))
	x, y := m.Apply(1, 1)
	if !approx(x, 5) || !approx(y, 3) {
		t.Errorf("Apply = (%v, %v), want (5, 3)", x, y)
	}
	ix, iy := m.Invert().Apply(x, y)
	if !approx(ix, 1) || !approx(iy, 1) {
		t.Errorf("Invert.Apply = (%v, %v), want (1, 1)", ix, iy)
	}
	if !(Matrix{}).Invert().IsIdentity() {
		t.Error("singular Invert should return identity")
	}
}

func TestOutputSize(t *testing.T) {
	in := Size{Width: 1920, Height: 1080}
	tests := []struct {
		name string
		m    Matrix
		want Size
	}{
		{"identity", Identity(), in},
		{"rotate 90", RotateDegrees(90), Size{Width: 1080, Height: 1920}},
		{"half", Scale(0.5, 0.5), Size{Width: 960, Height: 540}},
		{"flip", FlipVertical(), in},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.OutputSize(in); got != tt.want {
				t.Errorf("OutputSize = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFit(t *testing.T) {
	sx, sy := Fit(Size{Width: 1920, Height: 1080}, Size{Width: 1080, Height: 1080})
	if !approx(sx, 1) || !approx(sy, 1080.0/1920.0) {
		t.Errorf("Fit wide into square = (%v, %v)", sx, sy)
	}
	sx, sy = Fit(Size{Width: 100, Height: 200}, Size{Width: 200, Height: 200})
	if !approx(sx, 0.5) || !approx(sy, 1) {
		t.Errorf("Fit tall into square = (%v, %v)", sx, sy)
	}
	if sx, sy = Fit(Size{}, Size{Width: 1, Height: 1}); sx != 1 || sy != 1 {
		t.Errorf("Fit invalid = (%v, %v), want (1, 1)", sx, sy)
	}
}

func TestUniformColumnMajor(t *testing.T) {
	u := Translate(0.25, 0.5).Uniform()
	if u[12] != 0.25 || u[13] != 0.5 || u[0] != 1 || u[5] != 1 || u[15] != 1 {
		t.Errorf("Uniform = %v", u)
	}
}

package disclosure

import (
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
)

// point is one evaluation (x, f(x)) of a sharing polynomial.
type point struct {
	x fr.Element
	y fr.Element
}

// randomPolynomial returns coefficients [secret, a1, ..., a_degree].
func randomPolynomial(secret fr.Element, degree int) ([]fr.Element, error) {
	coeffs := make([]fr.Element, degree+1)
	coeffs[0] = secret
	for i := 1; i <= degree; i++ {
		if _, err := coeffs[i].SetRandom(); err != nil {
			return nil, fmt.Errorf("failed to sample coefficient: %w", err)
		}
	}
	return coeffs, nil
}

// evaluate computes f(x) with Horner's rule.
func evaluate(coeffs []fr.Element, x fr.Element) fr.Element {
	var acc fr.Element
	for i := len(coeffs) - 1; i >= 0; i-- {
		acc.Mul(&acc, &x)
		acc.Add(&acc, &coeffs[i])
	}
	return acc
}

// lagrangeAtZero returns the Lagrange coefficients l_i(0) = prod x_j / (x_j - x_i) for
// distinct xs.
func lagrangeAtZero(xs []fr.Element) ([]fr.Element, error) {
	out := make([]fr.Element, len(xs))
	for i := range xs {
		var num, den fr.Element
		num.SetOne()
		den.SetOne()
		for j := range xs {
			if i == j {
				continue
			}
			if xs[i].Equal(&xs[j]) {
				return nil, errors.New("duplicate evaluation point")
			}
			num.Mul(&num, &xs[j])
			var d fr.Element
			d.Sub(&xs[j], &xs[i])
			den.Mul(&den, &d)
		}
		out[i].Div(&num, &den)
	}
	return out, nil
}

// interpolateAtZero returns f(0) from distinct points by Lagrange interpolation.
func interpolateAtZero(points []point) (fr.Element, error) {
	xs := make([]fr.Element, len(points))
	for i := range points {
		xs[i] = points[i].x
	}
	l, err := lagrangeAtZero(xs)
	if err != nil {
		return fr.Element{}, err
	}
	var secret fr.Element
	for i := range points {
		var term fr.Element
		term.Mul(&l[i], &points[i].y)
		secret.Add(&secret, &term)
	}
	return secret, nil
}

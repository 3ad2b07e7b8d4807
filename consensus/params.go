package consensus

import (
	"fmt"
	"math/big"
)

// Params are the per-network constants of the tracked chain that header
// validation depends on. Networks with a minimum-difficulty exception (the
// public testnets) are not representable.
type Params struct {
	Name string

	// PowLimit is the easiest target the network allows.
	PowLimit *big.Int

	// ClampRetarget caps the raw retarget result at PowLimit before it is
	// compact-encoded, matching the reference node's retarget output.
	ClampRetarget bool

	// MaxFutureDrift is how far past wall-clock time a header timestamp may
	// be. Callers add it to "now" to build the nowBound of a submission.
	MaxFutureDrift uint32
}

func mustTarget(bits uint32) *big.Int {
	t, err := TargetFromBits(bits)
	if err != nil {
		panic(err)
	}
	return t
}

var (
	MainNetParams = Params{
		Name:           "mainnet",
		PowLimit:       mustTarget(0x1d00ffff),
		ClampRetarget:  true,
		MaxFutureDrift: 2 * 60 * 60,
	}
	RegressionNetParams = Params{
		Name:           "regtest",
		PowLimit:       mustTarget(0x207fffff),
		ClampRetarget:  true,
		MaxFutureDrift: 2 * 60 * 60,
	}
)

// ParamsForNetwork looks up one of the built-in network presets.
func ParamsForNetwork(name string) (*Params, error) {
	switch name {
	case MainNetParams.Name:
		p := MainNetParams
		return &p, nil
	case RegressionNetParams.Name:
		p := RegressionNetParams
		return &p, nil
	default:
		return nil, fmt.Errorf("unknown network %q", name)
	}
}

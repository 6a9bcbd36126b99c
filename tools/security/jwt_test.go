package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatnow/tools/errs"
)

func TestGenerate_And_Verify(t *testing.T) {
	req := require.New(t)
	opts := DefaultOptions([]byte("0123456789abcdef"))

	tok, exp, err := Generate(opts, "u1")
	req.NoError(err)
	req.WithinDuration(time.Now().Add(24*time.Hour), exp, time.Minute)

	claims, err := Verify(opts, tok)
	req.NoError(err)
	req.Equal("u1", claims.UserID())
	req.Equal("chatnow", claims.Issuer)
}

func TestVerify_Failures(t *testing.T) {
	req := require.New(t)
	opts := DefaultOptions([]byte("0123456789abcdef"))

	_, err := Verify(opts, "")
	req.ErrorIs(err, errs.ErrBadCredential)

	// expiry has second precision
	tok, _, err := Generate(Options{Secret: opts.Secret, TTL: time.Millisecond}, "u1")
	req.NoError(err)
	time.Sleep(1100 * time.Millisecond)
	_, err = Verify(opts, tok)
	req.ErrorIs(err, errs.ErrBadCredential)

	other, _, err := Generate(DefaultOptions([]byte("fedcba9876543210")), "u1")
	req.NoError(err)
	_, err = Verify(opts, other)
	req.ErrorIs(err, errs.ErrBadCredential)

	_, _, err = Generate(Options{Secret: opts.Secret, Alg: "RS256"}, "u1")
	req.ErrorIs(err, errs.ErrInvalidArgument)
}

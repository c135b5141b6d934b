package testhelper

import (
	"crypto/rand"
	"io"
	"math/big"
)

const (
	allChars = "abcdefghijklmnopqrstuvwxyz0123456789"
	hexChars = "0123456789abcdef"
)

func randChars(n int, charSet string, r io.Reader) (string, error) {
	ret := make([]byte, n)

	for i := range n {
		num, err := rand.Int(r, big.NewInt(int64(len(charSet))))
		if err != nil {
			return "", err
		}

		ret[i] = charSet[num.Int64()]
	}

	return string(ret), nil
}

// RandString returns a random string of length n using crypto/rand.Reader as
// the random reader.
func RandString(n int) (string, error) { return randChars(n, allChars, rand.Reader) }

// MustRandString returns the string returned by RandString. If RandString
// returns an error, it will panic.
func MustRandString(n int) string {
	str, err := RandString(n)
	if err != nil {
		panic(err)
	}

	return str
}

// RandHash returns a random 40-character lowercase-hex string, the shape
// content-addressed resources are keyed by.
func RandHash() (string, error) { return randChars(40, hexChars, rand.Reader) }

// MustRandHash returns the string returned by RandHash. If RandHash returns
// an error, it will panic.
func MustRandHash() string {
	str, err := RandHash()
	if err != nil {
		panic(err)
	}

	return str
}

package testutil

import (
	"fmt"
	"math/rand"

	"github.com/google/gofuzz"
	. "github.com/onsi/ginkgo"
)

var RandSource = rand.NewSource(GinkgoRandomSeed())
var Rand = rand.New(RandSource)
var Fuzzer = func() *fuzz.Fuzzer {
	f := fuzz.New()
	f.RandSource(RandSource)
	return f
}()
var Fuzz = Fuzzer.Fuzz

// RandKeys returns n distinct keys with prefix.
func RandKeys(prefix string, n int) []string {
	keys := make([]string, n)
	for i, j := range Rand.Perm(n) {
		keys[i] = fmt.Sprintf("%s_%v", prefix, j)
	}
	return keys
}

// RandData returns random data with length in [0, maxLen).
func RandData(maxLen int) []byte {
	data := make([]byte, Rand.Intn(maxLen))
	Rand.Read(data)
	return data
}

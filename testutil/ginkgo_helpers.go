package testutil

import (
	"bytes"
	"fmt"
	"os"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// maxPrintedLen limits bytes printed on mismatch.
const maxPrintedLen = 512

func Byf(format string, args ...interface{}) {
	By(fmt.Sprintf(format, args...))
}

// ExpectBytesEqual is Equal for large byte slices: only chunk from the first
// difference is printed on failure.
func ExpectBytesEqual(actual, expected []byte) {
	ExpectBytesEqualWithOffset(1, actual, expected)
}

func ExpectBytesEqualWithOffset(off int, actual, expected []byte) {
	off++
	if bytes.Equal(actual, expected) {
		return
	}
	if len(actual) <= maxPrintedLen && len(expected) <= maxPrintedLen {
		ExpectWithOffset(off, actual).To(Equal(expected))
		return
	}
	diff := firstDiff(actual, expected)
	ExpectWithOffset(off, chunk(actual, diff)).To(Equal(chunk(expected, diff)),
		"Lengths %v and %v. First %v bytes are equal.", len(actual), len(expected), diff)
}

func firstDiff(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

func chunk(data []byte, from int) []byte {
	return data[from:min(len(data), from+maxPrintedLen)]
}

// TmpFileName returns name of not existing file in temp dir.
func TmpFileName() string {
	f, err := os.CreateTemp("", "lanecache_test_")
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	name := f.Name()
	ExpectWithOffset(1, f.Close()).To(Succeed())
	ExpectWithOffset(1, os.Remove(name)).To(Succeed())
	return name
}

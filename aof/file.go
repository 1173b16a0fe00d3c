package aof

import "io"

// file is written part of *os.File.
type file interface {
	io.WriteCloser
	Sync() error
}

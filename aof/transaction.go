package aof

import "github.com/facebookgo/stackerr"

type transaction struct{ *AOF }

func (t *transaction) Write(p []byte) (n int, err error) {
	if t.isClosed() {
		return 0, ErrClosed
	}
	n, err = t.writer.Write(p)
	err = stackerr.Wrap(err)
	t.size += int64(n)
	return
}

func (t *transaction) Close() (err error) {
	if t.AOF == nil {
		return
	}
	if t.isClosed() {
		t.lock.Unlock()
		t.AOF = nil
		return ErrClosed
	}
	if t.isSyncEveryTransaction() {
		err = t.sync()
	}
	startRotate := t.config.RotateSize > 0 && t.size > t.config.RotateSize && !t.rotateInProcess && !t.closing
	if startRotate {
		t.rotateInProcess = true
		t.rotating.Add(1)
	}
	t.lock.Unlock()
	if startRotate {
		t.startRotate()
	}
	t.AOF = nil
	return
}

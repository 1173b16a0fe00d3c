package aof

import (
	"bufio"
	"bytes"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/facebookgo/stackerr"
	"github.com/pkg/errors"

	"github.com/skipor/lanecache/log"
)

const (
	MinSyncPeriod     = 100 * time.Millisecond
	MinRotateCompress = 0.7
	DefaultPerm       = 0664
)

var ErrClosed = errors.New("aof is closed")

type Config struct {
	Name       string
	SyncPeriod time.Duration
	RotateSize int64 // AOF size, after which Rotator will be called. Zero disables auto rotation.
	BuffSize   int   // 0 if no buffering.
	Perm       os.FileMode
}

// AOF represents Append Only File.
type AOF struct {
	config  Config
	rotator Rotator
	log     log.Logger

	// lock protects fields bellow.
	lock sync.Mutex
	// writer is current proxy io.Writer to write AOF.
	// It can be file, *bufio.Writer or another proxy.
	writer io.Writer
	// If buffering is on, flusher.Flush() flushes buffer into file.
	flusher flusher
	file    file
	// Current AOF size.
	size            int64
	rotateInProcess bool
	// closing forbids new rotations.
	closing         bool
	rotations       int
	rotating        sync.WaitGroup
	stopSync        chan struct{}
}

func Open(l log.Logger, r Rotator, conf Config) (aof *AOF, err error) {
	if r == nil {
		panic("nil rotator")
	}
	if conf.Perm == 0 {
		conf.Perm = DefaultPerm
	}
	aof = &AOF{
		log:      l.WithFields(log.Fields{"aof": filepath.Base(conf.Name)}),
		rotator:  r,
		config:   conf,
		stopSync: make(chan struct{}),
	}
	err = aof.init()
	if err != nil {
		return nil, err
	}
	if !aof.isSyncEveryTransaction() {
		aof.startSync()
	}
	return
}

func (f *AOF) init() (err error) {
	var file *os.File
	file, err = os.OpenFile(f.config.Name, os.O_WRONLY|os.O_APPEND|os.O_CREATE, f.config.Perm)
	if err != nil {
		return stackerr.Wrap(err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return stackerr.Wrap(err)
	}
	f.size = stat.Size()
	f.file = file
	f.log.Debugf("AOF opened. Size %v.", f.size)

	if f.config.BuffSize == 0 {
		f.writer = file
		f.flusher = nopFlusher{}
		return
	}
	bufWriter := bufio.NewWriterSize(file, f.config.BuffSize)
	f.writer = bufWriter
	f.flusher = bufWriter
	return
}

func (f *AOF) Name() string { return f.config.Name }

func (f *AOF) Size() int64 {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.size
}

// Rotations returns number of finished rotations.
func (f *AOF) Rotations() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.rotations
}

func (f *AOF) isSyncEveryTransaction() bool {
	return f.config.SyncPeriod < MinSyncPeriod
}

func (f *AOF) sync() (err error) {
	err = f.flusher.Flush()
	if err != nil {
		return stackerr.Wrap(err)
	}
	err = f.file.Sync()
	return stackerr.Wrap(err)
}

func (f *AOF) isClosed() bool {
	return f.file == nil
}

// Close waits for rotation in process, syncs and closes file.
func (f *AOF) Close() error {
	f.lock.Lock()
	f.closing = true
	f.lock.Unlock()
	f.rotating.Wait()
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.isClosed() {
		return nil
	}
	close(f.stopSync)
	err := f.sync()
	if err != nil {
		f.log.Errorf("AOF sync on close failed: %v", err)
	}
	closeErr := f.closeFile()
	if err == nil {
		err = closeErr
	}
	f.log.Debug("AOF closed.")
	return err
}

func (f *AOF) closeFile() error {
	err := f.flusher.Flush()
	if err != nil {
		f.file.Close()
		f.file = nil
		return stackerr.Wrap(err)
	}
	err = f.file.Close()
	f.file = nil // Mark as closed.
	return stackerr.Wrap(err)
}

// NewTransaction create new AOF transaction.
// Returned transaction hold AOF lock until close,
// so callee should write data and close it, as soon as possible.
func (f *AOF) NewTransaction() io.WriteCloser {
	f.lock.Lock()
	return &transaction{f}
}

// Append writes p in single transaction.
func (f *AOF) Append(p []byte) error {
	t := f.NewTransaction()
	_, err := t.Write(p)
	closeErr := t.Close()
	if err == nil {
		err = closeErr
	}
	return err
}

// Rotate rotates file synchronously. Nothing is done, if rotation is in process already.
func (f *AOF) Rotate() error {
	f.lock.Lock()
	if f.isClosed() {
		f.lock.Unlock()
		return ErrClosed
	}
	if f.rotateInProcess || f.closing {
		f.lock.Unlock()
		return nil
	}
	f.rotateInProcess = true
	f.rotating.Add(1)
	f.lock.Unlock()
	return f.rotate()
}

// startRotate start background rotation. Should be called after rotateInProcess set.
func (f *AOF) startRotate() {
	go func() {
		err := f.rotate()
		if err != nil {
			f.log.Errorf("AOF background rotation failed: %v", err)
		}
	}()
}

// rotate rotates file snapshot into new file.
// While rotation in process, all appended data is buffering in memory.
// When rotation complete, all buffered data is appended to new file and
// old file is atomically replace with new.
// On error rotation is canceled, and old file is used further.
// rotate should be called without acquired lock.
func (f *AOF) rotate() (err error) {
	defer f.rotating.Done()
	f.log.Info("AOF rotation started.")
	newFile, err := f.newRotationFile()
	if err != nil {
		f.cancelRotate(nil, nil)
		return
	}
	abort := func(oldWriter io.Writer) error {
		f.cancelRotate(oldWriter, newFile)
		return err
	}

	// Buffer for extra data appended after rotation start.
	extra := &bytes.Buffer{}

	// Take file snapshot.
	f.lock.Lock()
	if !f.rotateInProcess {
		f.log.Panic("AOF rotation in process, but flag is not set.")
	}
	// We should to flush data for reader.
	err = stackerr.Wrap(f.flusher.Flush())
	if err != nil {
		f.lock.Unlock()
		return abort(nil)
	}
	oldWriter := f.writer
	f.writer = io.MultiWriter(oldWriter, extra)
	size := f.size
	f.lock.Unlock()

	afterFileSnapshotTestHook()

	// Rotate file snapshot.
	f.log.Debug("AOF snapshot rotation started.")
	err = RotateFile(f.rotator, f.config.Name, size, newFile)
	if err != nil {
		return abort(oldWriter)
	}
	newFileStat, err := newFile.Stat()
	if err != nil {
		return abort(oldWriter)
	}
	if float64(newFileStat.Size()) > float64(size)*MinRotateCompress {
		f.log.Warnf("Rotation doesn't compress AOF enough: %v -> %v.", size, newFileStat.Size())
	}
	f.log.Debug("AOF snapshot rotation finished.")

	// Meanwhile extra can grow large. Writing it in background decreases lock time.
	newExtra := &bytes.Buffer{}

	// Take extra written.
	f.lock.Lock()
	f.writer = io.MultiWriter(oldWriter, newExtra)
	f.lock.Unlock()

	// Write extra.
	_, err = extra.WriteTo(newFile)
	if err == nil {
		err = newFile.Sync() // Do without lock as much work, as we can.
	}
	if err != nil {
		err = stackerr.Wrap(err)
		return abort(oldWriter)
	}
	newFileName := newFile.Name()

	afterExtraWriteTestHook()

	// Write newExtra, replace old with new.
	f.lock.Lock()
	defer f.lock.Unlock()
	_, err = newExtra.WriteTo(newFile)
	if err == nil {
		err = newFile.Close()
	}
	if err != nil {
		err = stackerr.Wrap(err)
		f.writer = oldWriter
		f.rotateInProcess = false
		newFile.Close()
		os.Remove(newFileName)
		return
	}
	err = f.closeFile()
	if err != nil {
		f.log.Errorf("Close of rotated AOF failed: %v", err)
	}
	err = os.Rename(newFileName, f.config.Name) // Atomic. No data corruption on fail.
	if err != nil {
		f.log.Errorf("AOF rename failed: %v", err)
		os.Remove(newFileName)
	}
	// Old file is closed already, so reopen anyway.
	initErr := f.init()
	if initErr != nil {
		f.log.Errorf("AOF reopen after rotation failed: %v", initErr)
		if err == nil {
			err = initErr
		}
	}
	f.rotateInProcess = false
	f.rotations++
	f.log.Info("AOF rotation finished.")

	afterFinishTestHook()
	return
}

// cancelRotate restores writer, if it was replaced.
func (f *AOF) cancelRotate(oldWriter io.Writer, newFile *os.File) {
	f.lock.Lock()
	if oldWriter != nil {
		f.writer = oldWriter
	}
	f.rotateInProcess = false
	f.lock.Unlock()
	if newFile != nil {
		newFile.Close()
		os.Remove(newFile.Name())
	}
	f.log.Error("AOF rotation canceled.")
}

var (
	afterFileSnapshotTestHook = func() {}
	afterExtraWriteTestHook   = func() {}
	afterFinishTestHook       = func() {}
)

func (f *AOF) startSync() {
	go func() {
		ticker := time.NewTicker(f.config.SyncPeriod)
		defer ticker.Stop()
		var prevSize int64
		for {
			select {
			case <-ticker.C:
			case <-f.stopSync:
				return
			}
			f.lock.Lock()
			if f.isClosed() {
				f.lock.Unlock()
				return
			}
			if f.size != prevSize {
				prevSize = f.size
				err := f.sync()
				if err != nil {
					f.log.Errorf("AOF background sync failed: %v", err)
				}
			}
			f.lock.Unlock()
		}
	}()
}

// newRotationFile creates temporary file in AOF dir, so it can be atomically renamed.
func (f *AOF) newRotationFile() (file *os.File, err error) {
	file, err = ioutil.TempFile(filepath.Dir(f.config.Name), "rotating_aof_")
	if err != nil {
		err = stackerr.Wrap(err)
		return
	}
	err = file.Chmod(f.config.Perm)
	if err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, stackerr.Wrap(err)
	}
	return
}

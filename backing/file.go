package backing

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/facebookgo/stackerr"

	"github.com/skipor/lanecache/aof"
	"github.com/skipor/lanecache/log"
)

// Record is length prefixed gob encoded record.
const recordHeaderLen = 4

// maxRecordLen bounds record length read from file, so corrupted header can't cause huge allocation.
const maxRecordLen = 64 << 20

type FileConfig struct {
	AOF aof.Config
	// FixCorrupted makes OpenFile truncate file to valid prefix, instead of
	// returning *CorruptedError.
	FixCorrupted bool
}

// File is backing store persisted into AOF. Every put and delete is appended
// as record. All entries are kept in memory, and are read from file on open.
// AOF rotation rewrites file as snapshot of current entries.
type File[K comparable, V any] struct {
	log log.Logger
	// lock makes order of records in file equal to order of table updates.
	lock  sync.Mutex
	table *Map[K, V]
	aof   *aof.AOF
}

type record[K comparable, V any] struct {
	Delete bool
	Key    K
	Value  V
}

type CorruptedError struct {
	// Offset is end of valid file prefix.
	Offset int64
	Err    error
}

func (e *CorruptedError) Error() string {
	return fmt.Sprintf("AOF is corrupted at offset %v: %v", e.Offset, e.Err)
}

// OpenFile replays AOF if it exists and opens it for append.
// WARN: if FixCorrupted is true, on AOF corruption
// AOF will be truncated to valid prefix, and no error will be returned.
func OpenFile[K comparable, V any](l log.Logger, conf FileConfig) (f *File[K, V], err error) {
	f = &File[K, V]{
		log:   l,
		table: NewMap[K, V](),
	}
	err = f.replay(conf)
	if err != nil {
		return nil, err
	}
	f.aof, err = aof.Open(l, aof.RotatorFunc(f.writeSnapshot), conf.AOF)
	if err != nil {
		return nil, err
	}
	l.Infof("Backing file %s opened. Entries: %v.", conf.AOF.Name, f.table.Len())
	return f, nil
}

func (f *File[K, V]) Get(key K) (v V, ok bool) {
	return f.table.Get(key)
}

func (f *File[K, V]) Put(key K, v V) error {
	return f.append(record[K, V]{Key: key, Value: v})
}

func (f *File[K, V]) Delete(key K) error {
	return f.append(record[K, V]{Delete: true, Key: key})
}

func (f *File[K, V]) Len() int { return f.table.Len() }

// Compact rotates AOF synchronously.
func (f *File[K, V]) Compact() error {
	return f.aof.Rotate()
}

func (f *File[K, V]) Close() error {
	return f.aof.Close()
}

func (f *File[K, V]) append(r record[K, V]) error {
	data, err := encodeRecord(r)
	if err != nil {
		return err
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	err = f.aof.Append(data)
	if err != nil {
		return err
	}
	f.apply(r)
	return nil
}

func (f *File[K, V]) apply(r record[K, V]) {
	if r.Delete {
		f.table.Delete(r.Key)
	} else {
		f.table.Put(r.Key, r.Value)
	}
}

// writeSnapshot ignores AOF content, and writes current entries.
// Records appended while rotation are appended after snapshot, and replayed over it.
// Lock is required: record appended before rotation start can be not applied yet.
func (f *File[K, V]) writeSnapshot(_ io.Reader, w io.Writer) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.table.each(func(k K, v V) error {
		data, err := encodeRecord(record[K, V]{Key: k, Value: v})
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return stackerr.Wrap(err)
	})
}

func (f *File[K, V]) replay(conf FileConfig) error {
	file, err := os.Open(conf.AOF.Name)
	if os.IsNotExist(err) {
		f.log.Info("AOF is not exists. New will be created.")
		return nil
	}
	if err != nil {
		return stackerr.Wrap(err)
	}
	defer file.Close()
	r := bufio.NewReader(file)
	var offset int64
	for {
		var (
			rec record[K, V]
			n   int64
		)
		rec, n, err = readRecord[K, V](r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			break
		}
		f.apply(rec)
		offset += n
	}
	if !conf.FixCorrupted {
		return &CorruptedError{Offset: offset, Err: err}
	}
	f.log.Errorf("AOF is corrupted at offset %v: %v. Truncating.", offset, err)
	file.Close()
	return stackerr.Wrap(os.Truncate(conf.AOF.Name, offset))
}

func encodeRecord[K comparable, V any](r record[K, V]) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.Write(make([]byte, recordHeaderLen))
	err := gob.NewEncoder(buf).Encode(r)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	data := buf.Bytes()
	binary.BigEndian.PutUint32(data, uint32(len(data)-recordHeaderLen))
	return data, nil
}

// readRecord returns io.EOF only if there is no data at all.
func readRecord[K comparable, V any](r io.Reader) (rec record[K, V], n int64, err error) {
	var header [recordHeaderLen]byte
	_, err = io.ReadFull(r, header[:])
	if err != nil {
		return
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxRecordLen {
		err = stackerr.Newf("record length %v is too large", length)
		return
	}
	payload := make([]byte, length)
	_, err = io.ReadFull(r, payload)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return
	}
	err = gob.NewDecoder(bytes.NewReader(payload)).Decode(&rec)
	if err != nil {
		err = stackerr.Wrap(err)
		return
	}
	n = int64(recordHeaderLen + length)
	return
}

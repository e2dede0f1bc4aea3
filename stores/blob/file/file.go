// Package file implements the block store on the local filesystem.
//
// Blocks are appended to blkNNNNN.dat and undo data to revNNNNN.dat. Every record is framed
// by the network magic and the payload length, so the files can be scanned without an index.
// A record position points at the first payload byte. Undo records are followed by a 32 byte
// checksum, the double SHA256 of the block hash and the payload, which ties the undo data to
// its block. A new file is started once the current one would grow past the maximum size.
package file

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/chainvalidator/ulogger"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	safeconversion "github.com/bsv-blockchain/go-safe-conversion"
	"github.com/bsv-blockchain/go-wire"
)

const (
	recordHeaderSize = 8
	checksumSize     = chainhash.HashSize

	blockPrefix = "blk"
	undoPrefix  = "rev"
)

type Option func(*options)

type options struct {
	maxFileSize int64
	network     wire.BitcoinNet
}

// WithMaxFileSize sets the size at which a new file is started.
func WithMaxFileSize(size int64) Option {
	return func(o *options) {
		if size > 0 {
			o.maxFileSize = size
		}
	}
}

// WithNetwork sets the magic written in front of every record.
func WithNetwork(net uint32) Option {
	return func(o *options) {
		o.network = wire.BitcoinNet(net)
	}
}

type File struct {
	path    string
	logger  ulogger.Logger
	options options

	mu     sync.Mutex
	blocks *appender
	undos  *appender
}

// appender tracks the file records are currently appended to.
type appender struct {
	prefix  string
	fileNum int32
	size    int64
	f       *os.File
}

// New opens the store in the folder named by storeURL, creating it if needed. A URL with the
// host "." is relative to the working directory.
func New(logger ulogger.Logger, storeURL *url.URL, opts ...Option) (*File, error) {
	if storeURL == nil {
		return nil, errors.NewConfigurationError("storeURL is nil")
	}

	var path string
	if storeURL.Host == "." {
		path = storeURL.Path[1:] // relative path
	} else {
		path = storeURL.Path // absolute path
	}

	return NewFromPath(logger, path, opts...)
}

func NewFromPath(logger ulogger.Logger, path string, opts ...Option) (*File, error) {
	o := options{
		maxFileSize: 128 * 1024 * 1024,
		network:     wire.MainNet,
	}

	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errors.NewStorageError("[File] failed to create directory %s", path, err)
	}

	s := &File{
		path:    path,
		logger:  logger.New("blockfile"),
		options: o,
	}

	var err error

	if s.blocks, err = s.openAppender(blockPrefix); err != nil {
		return nil, err
	}

	if s.undos, err = s.openAppender(undoPrefix); err != nil {
		_ = s.blocks.close()
		return nil, err
	}

	s.logger.Infof("[File] block store at %s, appending to %s and %s", path, s.fileName(blockPrefix, s.blocks.fileNum), s.fileName(undoPrefix, s.undos.fileNum))

	return s, nil
}

func (s *File) fileName(prefix string, fileNum int32) string {
	return filepath.Join(s.path, fmt.Sprintf("%s%05d.dat", prefix, fileNum))
}

// openAppender continues the highest numbered existing file, or starts file 0.
func (s *File) openAppender(prefix string) (*appender, error) {
	matches, err := filepath.Glob(filepath.Join(s.path, prefix+"*.dat"))
	if err != nil {
		return nil, errors.NewStorageError("[File] failed to list %s files", prefix, err)
	}

	a := &appender{prefix: prefix}

	if len(matches) > 0 {
		sort.Strings(matches)

		var n int32
		if _, err = fmt.Sscanf(filepath.Base(matches[len(matches)-1]), prefix+"%05d.dat", &n); err != nil {
			return nil, errors.NewStorageError("[File] unexpected file name %s", matches[len(matches)-1], err)
		}

		a.fileNum = n
	}

	if err = a.open(s.fileName(prefix, a.fileNum)); err != nil {
		return nil, err
	}

	return a, nil
}

func (a *appender) open(name string) error {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return errors.NewStorageError("[File] failed to open %s", name, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return errors.NewStorageError("[File] failed to stat %s", name, err)
	}

	a.f = f
	a.size = info.Size()

	return nil
}

func (a *appender) close() error {
	if a.f == nil {
		return nil
	}

	if err := a.f.Sync(); err != nil {
		return errors.NewStorageError("[File] failed to sync %s", a.f.Name(), err)
	}

	err := a.f.Close()
	a.f = nil

	return err
}

// append writes header, payload and trailer as one record and returns the payload position.
func (s *File) append(a *appender, payload []byte, trailer []byte) (model.DiskPos, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.f == nil {
		return model.NullDiskPos, errors.NewStorageError("[File] store is closed")
	}

	recordSize := int64(recordHeaderSize + len(payload) + len(trailer))

	if a.size > 0 && a.size+recordSize > s.options.maxFileSize {
		if err := a.close(); err != nil {
			return model.NullDiskPos, err
		}

		a.fileNum++

		if err := a.open(s.fileName(a.prefix, a.fileNum)); err != nil {
			return model.NullDiskPos, err
		}

		s.logger.Infof("[File] started %s", a.f.Name())
	}

	offset, err := safeconversion.IntToUint32(int(a.size) + recordHeaderSize)
	if err != nil {
		return model.NullDiskPos, errors.NewStorageError("[File] file %s is too large", a.f.Name(), err)
	}

	payloadLen, err := safeconversion.IntToUint32(len(payload))
	if err != nil {
		return model.NullDiskPos, errors.NewStorageError("[File] record of %d bytes is too large", len(payload), err)
	}

	record := make([]byte, 0, recordSize)
	record = binary.LittleEndian.AppendUint32(record, uint32(s.options.network))
	record = binary.LittleEndian.AppendUint32(record, payloadLen)
	record = append(record, payload...)
	record = append(record, trailer...)

	if _, err = a.f.Write(record); err != nil {
		return model.NullDiskPos, errors.NewStorageError("[File] failed to write to %s", a.f.Name(), err)
	}

	a.size += recordSize

	return model.DiskPos{File: a.fileNum, Offset: offset}, nil
}

// read returns the payload at pos followed by trailerSize bytes.
func (s *File) read(prefix string, pos model.DiskPos, trailerSize int) ([]byte, error) {
	if pos.IsNull() || pos.Offset < recordHeaderSize {
		return nil, errors.NewStorageError("[File] invalid position %s", pos)
	}

	name := s.fileName(prefix, pos.File)

	f, err := os.Open(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("[File] %s does not exist", name)
		}

		return nil, errors.NewStorageError("[File] failed to open %s", name, err)
	}

	defer f.Close()

	header := make([]byte, recordHeaderSize)
	if _, err = f.ReadAt(header, int64(pos.Offset)-recordHeaderSize); err != nil {
		return nil, errors.NewCorruptionError("failed to read record header at %s:%s", name, pos, err)
	}

	if magic := wire.BitcoinNet(binary.LittleEndian.Uint32(header)); magic != s.options.network {
		return nil, errors.NewCorruptionError("record at %s:%s has magic %s, expected %s", name, pos, magic, s.options.network)
	}

	size := int(binary.LittleEndian.Uint32(header[4:])) + trailerSize

	data := make([]byte, size)
	if _, err = f.ReadAt(data, int64(pos.Offset)); err != nil {
		if err == io.EOF {
			return nil, errors.NewCorruptionError("record at %s:%s is truncated", name, pos)
		}

		return nil, errors.NewCorruptionError("failed to read record at %s:%s", name, pos, err)
	}

	return data, nil
}

func (s *File) Health(_ context.Context, _ bool) (int, string, error) {
	if _, err := os.Stat(s.path); err != nil {
		return http.StatusFailedDependency, "File Store: folder unavailable", errors.NewStorageUnavailableError("[File] %s", s.path, err)
	}

	return http.StatusOK, "File Store", nil
}

func (s *File) WriteBlock(_ context.Context, block []byte) (model.DiskPos, error) {
	return s.append(s.blocks, block, nil)
}

func (s *File) LoadBlock(_ context.Context, pos model.DiskPos) ([]byte, error) {
	return s.read(blockPrefix, pos, 0)
}

func (s *File) WriteUndoBlock(_ context.Context, undo *model.BlockUndo, blockHash *chainhash.Hash) (model.DiskPos, error) {
	data := undo.Bytes()
	checksum := undoChecksum(blockHash, data)

	return s.append(s.undos, data, checksum[:])
}

func (s *File) LoadUndoBlock(_ context.Context, pos model.DiskPos, blockHash *chainhash.Hash) (*model.BlockUndo, error) {
	record, err := s.read(undoPrefix, pos, checksumSize)
	if err != nil {
		return nil, err
	}

	data := record[:len(record)-checksumSize]
	checksum := undoChecksum(blockHash, data)

	if !bytes.Equal(checksum[:], record[len(record)-checksumSize:]) {
		return nil, errors.NewCorruptionError("undo checksum mismatch for block %s at %s", blockHash, pos)
	}

	return model.NewBlockUndoFromBytes(data)
}

func (s *File) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range []*appender{s.blocks, s.undos} {
		if a.f == nil {
			continue
		}

		if err := a.f.Sync(); err != nil {
			return errors.NewStorageError("[File] failed to sync %s", a.f.Name(), err)
		}
	}

	return nil
}

func (s *File) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return errors.Join(s.blocks.close(), s.undos.close())
}

func undoChecksum(blockHash *chainhash.Hash, data []byte) chainhash.Hash {
	buf := make([]byte, 0, chainhash.HashSize+len(data))
	buf = append(buf, blockHash[:]...)
	buf = append(buf, data...)

	return chainhash.DoubleHashH(buf)
}

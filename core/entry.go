package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Operation identifies a mutating command recorded in the log.
type Operation byte

const (
	// OpSet stores a string value: SET key value. Clears any expiry.
	OpSet Operation = 'S'
	// OpDel removes a key: DEL key.
	OpDel Operation = 'D'
	// OpIncrBy adds a signed integer delta to a string value: INCRBY key delta.
	OpIncrBy Operation = 'I'
	// OpExpireAt sets an absolute expiry in unix milliseconds: EXPIREAT key at.
	OpExpireAt Operation = 'X'
	// OpPersist removes a key's expiry: PERSIST key.
	OpPersist Operation = 'P'
	// OpHSet stores a hash field: HSET key field value.
	OpHSet Operation = 'H'
	// OpHDel removes a hash field: HDEL key field.
	OpHDel Operation = 'h'
)

// String returns the command name for the operation.
func (op Operation) String() string {
	switch op {
	case OpSet:
		return "SET"
	case OpDel:
		return "DEL"
	case OpIncrBy:
		return "INCRBY"
	case OpExpireAt:
		return "EXPIREAT"
	case OpPersist:
		return "PERSIST"
	case OpHSet:
		return "HSET"
	case OpHDel:
		return "HDEL"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(op))
	}
}

// Arity returns the required argument count for the operation, or -1 if the
// operation is unknown.
func (op Operation) Arity() int {
	switch op {
	case OpSet, OpIncrBy, OpExpireAt, OpHDel:
		return 2
	case OpDel, OpPersist:
		return 1
	case OpHSet:
		return 3
	default:
		return -1
	}
}

// LogEntry is one mutating operation as recorded in the log. Args are opaque
// byte strings; their meaning depends on the operation (key first, then
// values and ancillary parameters).
type LogEntry struct {
	Op   Operation
	Args [][]byte
}

// Key returns the entry's key argument.
func (e *LogEntry) Key() []byte {
	if len(e.Args) == 0 {
		return nil
	}
	return e.Args[0]
}

// EncodeEntry appends the binary encoding of an entry to buf and returns the
// extended slice. Layout: op (1 byte) | argc (uvarint) | per arg: len
// (uvarint) + bytes.
func EncodeEntry(buf []byte, e *LogEntry) ([]byte, error) {
	if e.Op.Arity() < 0 {
		return nil, fmt.Errorf("cannot encode unknown operation 0x%02x", byte(e.Op))
	}
	if got, want := len(e.Args), e.Op.Arity(); got != want {
		return nil, fmt.Errorf("wrong number of arguments for %s: got %d, want %d", e.Op, got, want)
	}

	buf = append(buf, byte(e.Op))

	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(e.Args)))
	buf = append(buf, tmp[:n]...)

	for _, arg := range e.Args {
		n = binary.PutUvarint(tmp[:], uint64(len(arg)))
		buf = append(buf, tmp[:n]...)
		buf = append(buf, arg...)
	}
	return buf, nil
}

// DecodeEntry deserializes a single entry from its payload bytes.
func DecodeEntry(data []byte) (*LogEntry, error) {
	r := bytes.NewReader(data)

	opByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read operation byte: %w", err)
	}
	e := &LogEntry{Op: Operation(opByte)}
	if e.Op.Arity() < 0 {
		return nil, fmt.Errorf("unknown operation 0x%02x", opByte)
	}

	argc, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read argument count: %w", err)
	}
	if int(argc) != e.Op.Arity() {
		return nil, fmt.Errorf("wrong number of arguments for %s: got %d, want %d", e.Op, argc, e.Op.Arity())
	}

	e.Args = make([][]byte, 0, argc)
	for i := uint64(0); i < argc; i++ {
		argLen, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read length of argument %d: %w", i, err)
		}
		if argLen > uint64(r.Len()) {
			return nil, fmt.Errorf("argument %d length %d exceeds remaining payload %d", i, argLen, r.Len())
		}
		arg := make([]byte, argLen)
		if _, err := io.ReadFull(r, arg); err != nil {
			return nil, fmt.Errorf("failed to read argument %d: %w", i, err)
		}
		e.Args = append(e.Args, arg)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after %s entry", r.Len(), e.Op)
	}
	return e, nil
}

package journal

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/ValentinKolb/dObj/lib/db"
)

// maxFrame bounds a single record to guard against corrupt length prefixes.
const maxFrame = 64 << 20

// FileJournal appends records to a file as [uint32 length][payload] frames.
type FileJournal struct {
	mu    sync.Mutex
	path  string
	file  *os.File
	codec Codec
}

// OpenFile opens (or creates) a journal file.
func OpenFile(path string, codec Codec) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &FileJournal{path: path, file: f, codec: codec}, nil
}

func (j *FileJournal) Persist(ctx context.Context, cs *db.Changeset) error {
	if err := ctx.Err(); err != nil {
		return Error.Wrap(err)
	}
	payload, err := j.codec.Encode(Encode(cs))
	if err != nil {
		return Error.Wrap(err)
	}
	if len(payload) > maxFrame {
		return Error.New("transaction %d too large (%d bytes)", cs.TxnID, len(payload))
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(frame); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(j.file.Sync())
}

// Replay reads every complete frame from the start of the file. A truncated
// trailing frame (crash during write) ends the replay without error.
func (j *FileJournal) Replay(ctx context.Context, fn func(*Transaction) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = f.Close() }()
	r := bufio.NewReader(f)

	var header [4]byte
	for {
		if err := ctx.Err(); err != nil {
			return Error.Wrap(err)
		}
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return Error.Wrap(err)
		}
		size := binary.BigEndian.Uint32(header[:])
		if size > maxFrame {
			return Error.New("corrupt frame length %d", size)
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				Logger.Warningf("ignoring truncated trailing frame in %s", j.path)
				return nil
			}
			return Error.Wrap(err)
		}
		var tx Transaction
		if err := j.codec.Decode(payload, &tx); err != nil {
			return Error.Wrap(err)
		}
		if err := fn(&tx); err != nil {
			return err
		}
	}
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Error.Wrap(j.file.Close())
}

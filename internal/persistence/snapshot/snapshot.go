package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/morganlombard/Virtual-Game-Table/internal/protocol"
)

const Version = 1

// Header is written as a JSON line ahead of the gob body so tools can
// identify a dump without decoding it.
type Header struct {
	Version   int       `json:"version"`
	SessionID string    `json:"session_id"`
	TakenAt   time.Time `json:"taken_at"`
	Clients   int       `json:"clients"`
	Pieces    int       `json:"pieces"`
	Hands     int       `json:"hands"`
	Digest    string    `json:"digest,omitempty"`
}

// Dump is a diagnostic copy of the relay's table state. The relay never
// loads it back.
type Dump struct {
	Header   Header
	Snapshot protocol.SnapshotMsg
}

func NewDump(snap protocol.SnapshotMsg, digest string, at time.Time) Dump {
	return Dump{
		Header: Header{
			Version:   Version,
			SessionID: snap.SessionID,
			TakenAt:   at.UTC(),
			Clients:   len(snap.Clients),
			Pieces:    len(snap.Pieces),
			Hands:     len(snap.Hands),
			Digest:    digest,
		},
		Snapshot: snap,
	}
}

// FileName is the conventional dump name inside a snapshots directory.
func FileName(h Header) string {
	return fmt.Sprintf("%s-%s.snap.zst", h.SessionID, h.TakenAt.UTC().Format("20060102T150405Z"))
}

func WriteSnapshot(path string, d Dump) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(d.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&d); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

// ReadHeader decodes only the leading header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	br, closeFn, err := open(path)
	if err != nil {
		return h, err
	}
	defer closeFn()
	line, err := br.ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

func ReadSnapshot(path string) (Dump, error) {
	var d Dump
	br, closeFn, err := open(path)
	if err != nil {
		return d, err
	}
	defer closeFn()

	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return d, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&d); err != nil {
		return d, fmt.Errorf("gob decode: %w", err)
	}
	if d.Header.Version != Version {
		return d, fmt.Errorf("unsupported snapshot version %d", d.Header.Version)
	}
	return d, nil
}

func open(path string) (*bufio.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return bufio.NewReaderSize(dec, 256*1024), func() {
		dec.Close()
		_ = f.Close()
	}, nil
}

package persistence

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
	"lukechampine.com/blake3"

	"github.com/talgya/nationsim/internal/engine"
)

// ErrCorruptJournal is returned when a journaled report does not match its digest.
var ErrCorruptJournal = errors.New("wake journal entry corrupt")

// encodeReport serializes a wake report as LZ4-compressed JSON and returns
// the BLAKE3 digest of the uncompressed JSON.
func encodeReport(rep engine.WakeReport) ([]byte, string, error) {
	raw, err := json.Marshal(rep)
	if err != nil {
		return nil, "", fmt.Errorf("marshal wake report: %w", err)
	}

	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, "", fmt.Errorf("compress wake report: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, "", fmt.Errorf("compress wake report: %w", err)
	}

	return buf.Bytes(), digestOf(raw), nil
}

// decodeReport reverses encodeReport and checks the digest.
func decodeReport(blob []byte, digest string) (engine.WakeReport, error) {
	var rep engine.WakeReport

	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(blob)))
	if err != nil {
		return rep, fmt.Errorf("%w: decompress: %v", ErrCorruptJournal, err)
	}
	if got := digestOf(raw); got != digest {
		return rep, fmt.Errorf("%w: digest %s, want %s", ErrCorruptJournal, got, digest)
	}
	if err := json.Unmarshal(raw, &rep); err != nil {
		return rep, fmt.Errorf("%w: %v", ErrCorruptJournal, err)
	}
	return rep, nil
}

func digestOf(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

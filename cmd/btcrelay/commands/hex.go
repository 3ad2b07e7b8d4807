package commands

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/atomiqlabs/atomiq-contracts-evm-sub001/consensus"
)

func encodeHex(b []byte) string { return "0x" + hex.EncodeToString(b) }

// displayHash renders a native hash the way block explorers do, byte
// reversed.
func displayHash(h [32]byte) string { return chainhash.Hash(h).String() }

func decodeHex(s, what string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return b, nil
}

func decodeFixed(s string, n int, what string) ([]byte, error) {
	b, err := decodeHex(s, what)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("%s: want %d bytes, got %d", what, n, len(b))
	}
	return b, nil
}

func decodeHash(s, what string) ([32]byte, error) {
	b, err := decodeFixed(s, 32, what)
	if err != nil {
		return [32]byte{}, err
	}
	return [32]byte(b), nil
}

func decodeSubmitter(s string) ([20]byte, error) {
	b, err := decodeFixed(s, 20, "submitter")
	if err != nil {
		return [20]byte{}, err
	}
	return [20]byte(b), nil
}

func decodeStoredHeader(s, what string) (consensus.StoredHeader, error) {
	b, err := decodeFixed(s, consensus.STORED_HEADER_BYTES, what)
	if err != nil {
		return consensus.StoredHeader{}, err
	}
	return consensus.DecodeStoredHeader(b, 0)
}

// readCompactHeaders reads whitespace-separated hex CompactHeaders from
// path, or from stdin when path is "-".
func readCompactHeaders(path string, stdin io.Reader) ([]consensus.CompactHeader, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanWords)
	var out []consensus.CompactHeader
	for sc.Scan() {
		what := fmt.Sprintf("headers[%d]", len(out))
		b, err := decodeFixed(sc.Text(), consensus.COMPACT_HEADER_BYTES, what)
		if err != nil {
			return nil, err
		}
		c, err := consensus.DecodeCompactHeader(b, 0)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", what, err)
		}
		out = append(out, c)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

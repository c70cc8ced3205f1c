package disclosure

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"filippo.io/age/armor"
)

// Inspect reads the round and chain hash from the tlock stanza of an
// armored (or binary) capsule without decrypting it.
func Inspect(capsule string) (round uint64, chainHash string, err error) {
	br := bufio.NewReader(strings.NewReader(capsule))

	var r io.Reader = br
	if peek, _ := br.Peek(len(armor.Header)); string(peek) == armor.Header {
		r = armor.NewReader(br)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrBadCapsule, err)
	}

	end := bytes.Index(data, []byte("\n---"))
	if end == -1 {
		return 0, "", fmt.Errorf("%w: no header end marker", ErrBadCapsule)
	}

	for _, line := range strings.Split(string(data[:end]), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[0] != "->" || fields[1] != "tlock" {
			continue
		}
		round, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return 0, "", fmt.Errorf("%w: bad round %q", ErrBadCapsule, fields[2])
		}
		return round, fields[3], nil
	}

	return 0, "", fmt.Errorf("%w: no tlock stanza found in header", ErrBadCapsule)
}

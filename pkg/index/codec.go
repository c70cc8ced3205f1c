package index

import (
	"github.com/fxamacker/cbor/v2"

	"bounty-zk/pkg/report"
)

// Records are stored with Core Deterministic Encoding so the same record
// always produces identical bytes, which keeps re-upserts byte-stable.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("index: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("index: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeRecord(rec report.EmbeddingRecord) ([]byte, error) {
	return encMode.Marshal(rec)
}

func decodeRecord(data []byte) (report.EmbeddingRecord, error) {
	var rec report.EmbeddingRecord
	err := decMode.Unmarshal(data, &rec)
	return rec, err
}

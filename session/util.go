package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/theonlypal/collabfs/crdt"
)

// Functions

// mustJSON marshals one of the session's own wire types. These types contain
// no channels, funcs or cycles, so a marshal error means a programming
// mistake rather than bad input.
func mustJSON(v interface{}) []byte {

	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("session: marshalling container value: %v", err))
	}

	return raw
}

// encodeBinary converts raw bytes into the base64 form binary files are
// carried in inside their text container.
func encodeBinary(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// decodeBinary reverses encodeBinary.
func decodeBinary(content string) ([]byte, error) {

	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("decoding binary file content: %v", err)
	}

	return data, nil
}

// errorsUnknownMode reports an unsupported write mode.
func errorsUnknownMode(mode WriteMode) error {
	return fmt.Errorf("unknown write mode %q", mode)
}

// currentSize reports the visible content length at path as seen inside a
// running transaction, used to refresh SizeBytes after an append.
func currentSize(tx *crdt.Txn, path string) int64 {
	return int64(tx.TextLen(path))
}

/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package credential

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// canonicalJSON produces the deterministic encoding used for signatures:
// lexicographically sorted object keys, no insignificant whitespace, numbers
// preserved verbatim. encoding/json sorts map keys, so a decode into generic
// values followed by a re-encode yields the canonical form; json.Number keeps
// integers out of float64.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}

	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonical re-encode: %w", err)
	}

	return out, nil
}

// isCanonical reports whether raw already is the canonical encoding of the
// value it describes.
func isCanonical(raw []byte) bool {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return false
	}

	out, err := json.Marshal(generic)
	if err != nil {
		return false
	}

	return bytes.Equal(raw, out)
}

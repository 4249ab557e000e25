// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

// Package codec wraps fxamacker/cbor with the encoder and decoder settings
// used for tokens and archives.
//
// Encoding is Core Deterministic (RFC 8949 §4.2): the same value always
// produces the same bytes, which matters because tokens and archive headers
// are authenticated over their encoded form. Decoding is strict: duplicate
// map keys, unknown fields and trailing bytes are errors, so a tampered
// container cannot smuggle alternative values past a parser.
package codec

import (
	"github.com/fxamacker/cbor/v2"
)

var (
	encMode       cbor.EncMode
	strictDecMode cbor.DecMode
	lenientDec    cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	strictDecMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxArrayElements:  4096,
		MaxMapPairs:       4096,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
	lenientDec, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v, rejecting unknown fields and duplicate keys.
func Unmarshal(data []byte, v any) error {
	return strictDecMode.Unmarshal(data, v)
}

// UnmarshalPartial decodes data into v ignoring fields v does not declare.
// It is meant for peeking at version headers before choosing a full decoder.
func UnmarshalPartial(data []byte, v any) error {
	return lenientDec.Unmarshal(data, v)
}

// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"bytes"

	"github.com/lightningnetwork/lnd/tlv"
)

const (
	keyIVType         tlv.Type = 0
	keyCiphertextType tlv.Type = 2
	keyAuthTagType    tlv.Type = 4
)

func keyRecords(k *EncryptedKey) []tlv.Record {
	return []tlv.Record{
		tlv.MakePrimitiveRecord(keyIVType, &k.IV),
		tlv.MakePrimitiveRecord(keyCiphertextType, &k.Ciphertext),
		tlv.MakePrimitiveRecord(keyAuthTagType, &k.AuthTag),
	}
}

// EncodeKey serializes an encrypted key as a TLV stream so backends can
// keep it in a single value.
func EncodeKey(k EncryptedKey) ([]byte, error) {
	stream, err := tlv.NewStream(keyRecords(&k)...)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// DecodeKey is the inverse of EncodeKey.
func DecodeKey(b []byte) (EncryptedKey, error) {
	var k EncryptedKey
	stream, err := tlv.NewStream(keyRecords(&k)...)
	if err != nil {
		return k, err
	}
	if err := stream.Decode(bytes.NewReader(b)); err != nil {
		return k, err
	}
	return k, nil
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package moodpg

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"

	"golang.org/x/crypto/argon2"

	"github.com/mobiletoly/go-moodsync/moodsync"
)

const (
	encryptionSaltKey = "encryption_salt"
	saltLen           = 16
	nonceLen          = 12
)

// deriveKey stretches the configured passphrase into a 256-bit AES key.
// The salt lives in the remote store itself so every client that shares
// the store derives the same key.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// sensitiveContent is the encrypted-at-rest portion of a record. Identity,
// lifecycle and ordering columns stay in the clear so the server can still
// index and range over them.
type sensitiveContent struct {
	Rating   int            `json:"rating"`
	Note     string         `json:"note,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// recordCipher seals and opens record content with AES-GCM. A fresh random
// nonce is generated per seal and stored alongside the ciphertext.
type recordCipher struct {
	aead cipher.AEAD
}

func newRecordCipher(key []byte) (*recordCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &moodsync.EncryptionError{Op: "init cipher", Err: err}
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &moodsync.EncryptionError{Op: "init cipher", Err: err}
	}
	return &recordCipher{aead: aead}, nil
}

// seal encrypts the record's sensitive fields into one ciphertext blob.
func (c *recordCipher) seal(rec *moodsync.Record) (ciphertext, nonce []byte, err error) {
	plaintext, err := json.Marshal(sensitiveContent{
		Rating:   rec.Rating,
		Note:     rec.Note,
		Tags:     moodsync.NormalizeTags(rec.Tags),
		Metadata: rec.Metadata,
	})
	if err != nil {
		return nil, nil, &moodsync.EncryptionError{Op: "encode content", Err: err}
	}

	nonce = make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, &moodsync.EncryptionError{Op: "generate nonce", Err: err}
	}
	return c.aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// open decrypts a content blob back into the record. Failure here means a
// wrong key or corrupted data, never a transient condition.
func (c *recordCipher) open(rec *moodsync.Record, ciphertext, nonce []byte) error {
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return &moodsync.EncryptionError{Op: "decrypt content", Err: err}
	}
	var content sensitiveContent
	if err := json.Unmarshal(plaintext, &content); err != nil {
		return &moodsync.EncryptionError{Op: "decode content", Err: err}
	}
	rec.Rating = content.Rating
	rec.Note = content.Note
	rec.Tags = content.Tags
	rec.Metadata = content.Metadata
	return nil
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, &moodsync.EncryptionError{Op: "generate salt", Err: err}
	}
	return salt, nil
}

package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const (
	schemaVersion1 = 1

	flagMFAVerified = 1 << 0
	flagTrusted     = 1 << 1
)

var ErrCorruptRecord = errors.New("corrupt session record")

// Encode serializes a session into the versioned binary layout:
//
//	version(1) flags(1) secretHash(32)
//	createdAt(8) lastActiveAt(8) expiresAt(8)
//	sessionID(len16) principalID(len16) companyID(len16) fingerprint(len16)
func Encode(sess *Session) ([]byte, error) {
	if sess == nil {
		return nil, errors.New("nil session")
	}

	var buf bytes.Buffer
	buf.WriteByte(schemaVersion1)

	var flags byte
	if sess.MFAVerified {
		flags |= flagMFAVerified
	}
	if sess.Trusted {
		flags |= flagTrusted
	}
	buf.WriteByte(flags)

	buf.Write(sess.SecretHash[:])

	for _, ts := range []int64{sess.CreatedAt, sess.LastActiveAt, sess.ExpiresAt} {
		if err := binary.Write(&buf, binary.BigEndian, ts); err != nil {
			return nil, err
		}
	}

	for _, field := range []string{sess.SessionID, sess.PrincipalID, sess.CompanyID, sess.Fingerprint} {
		if len(field) > 65535 {
			return nil, errors.New("session field length exceeded")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	return buf.Bytes(), nil
}

// Decode parses a record produced by Encode. Unknown schema versions are
// rejected rather than guessed at.
func Decode(data []byte) (*Session, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, ErrCorruptRecord
	}
	if version != schemaVersion1 {
		return nil, ErrCorruptRecord
	}

	flags, err := reader.ReadByte()
	if err != nil {
		return nil, ErrCorruptRecord
	}

	sess := &Session{
		MFAVerified: flags&flagMFAVerified != 0,
		Trusted:     flags&flagTrusted != 0,
	}

	if _, err := io.ReadFull(reader, sess.SecretHash[:]); err != nil {
		return nil, ErrCorruptRecord
	}

	for _, dst := range []*int64{&sess.CreatedAt, &sess.LastActiveAt, &sess.ExpiresAt} {
		if err := binary.Read(reader, binary.BigEndian, dst); err != nil {
			return nil, ErrCorruptRecord
		}
	}

	for _, dst := range []*string{&sess.SessionID, &sess.PrincipalID, &sess.CompanyID, &sess.Fingerprint} {
		var length uint16
		if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
			return nil, ErrCorruptRecord
		}
		raw := make([]byte, length)
		if _, err := io.ReadFull(reader, raw); err != nil {
			return nil, ErrCorruptRecord
		}
		*dst = string(raw)
	}

	return sess, nil
}

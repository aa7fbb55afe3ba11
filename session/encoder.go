package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const sessionFormatVersionV1 = 1

// Fixed-width tail after the variable-length userID and role fields. The
// rotation Lua script indexes into this block, so field order is frozen:
// accessHash(32) refreshHash(32) prevRefreshHash(32) accessExpiresAt(8)
// createdAt(8) expiresAt(8) lastActivityAt(8) ipHash(32) uaHash(32).
func Encode(s *Session) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(sessionFormatVersionV1)

	if len(s.UserID) > 255 {
		return nil, errors.New("userID too long")
	}
	buf.WriteByte(byte(len(s.UserID)))
	buf.WriteString(s.UserID)

	if len(s.ActiveRole) > 255 {
		return nil, errors.New("role too long")
	}
	buf.WriteByte(byte(len(s.ActiveRole)))
	buf.WriteString(s.ActiveRole)

	buf.Write(s.AccessHash[:])
	buf.Write(s.RefreshHash[:])
	buf.Write(s.PrevRefreshHash[:])

	if err := binary.Write(&buf, binary.BigEndian, s.AccessExpiresAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, s.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, s.ExpiresAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, s.LastActivityAt); err != nil {
		return nil, err
	}

	buf.Write(s.IPHash[:])
	buf.Write(s.UserAgentHash[:])

	return buf.Bytes(), nil
}

func Decode(data []byte) (*Session, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != sessionFormatVersionV1 {
		return nil, errors.New("invalid session version")
	}

	s := &Session{}

	userLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	userID := make([]byte, userLen)
	if _, err := io.ReadFull(reader, userID); err != nil {
		return nil, err
	}
	s.UserID = string(userID)

	roleLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	role := make([]byte, roleLen)
	if _, err := io.ReadFull(reader, role); err != nil {
		return nil, err
	}
	s.ActiveRole = string(role)

	if _, err := io.ReadFull(reader, s.AccessHash[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, s.RefreshHash[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, s.PrevRefreshHash[:]); err != nil {
		return nil, err
	}

	if err := binary.Read(reader, binary.BigEndian, &s.AccessExpiresAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &s.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &s.ExpiresAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &s.LastActivityAt); err != nil {
		return nil, err
	}

	if _, err := io.ReadFull(reader, s.IPHash[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, s.UserAgentHash[:]); err != nil {
		return nil, err
	}

	return s, nil
}

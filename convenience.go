package lsmkv

import (
	"encoding/json"

	"github.com/freeeve/msgpck"
	"github.com/vmihailenco/msgpack/v5"
)

// PutString stores a string payload.
func (s *Store) PutString(key []byte, value string) error {
	return s.Upsert(key, []byte(value))
}

// GetString retrieves a payload as a string.
func (s *Store) GetString(key []byte) (string, error) {
	b, err := s.Get(key)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// PutMap stores a record with named fields as msgpack.
func (s *Store) PutMap(key []byte, fields map[string]any) error {
	data, err := EncodeMsgpack(fields)
	if err != nil {
		return err
	}
	return s.Upsert(key, data)
}

// GetMap retrieves a record stored with PutMap.
func (s *Store) GetMap(key []byte) (map[string]any, error) {
	b, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	return DecodeMsgpack(b)
}

// PutStruct stores a Go struct as msgpack bytes.
func (s *Store) PutStruct(key []byte, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	return s.Upsert(key, data)
}

// GetStruct decodes a payload stored with PutStruct into dest, which must
// be a pointer.
func (s *Store) GetStruct(key []byte, dest any) error {
	b, err := s.Get(key)
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(b, dest)
}

// PutJSON stores a value as a JSON document.
// Use this when you want human-readable storage instead of binary msgpack.
func (s *Store) PutJSON(key []byte, data any) error {
	b, err := EncodeJSON(data)
	if err != nil {
		return err
	}
	return s.Upsert(key, b)
}

// GetJSON decodes a JSON payload into dest.
func (s *Store) GetJSON(key []byte, dest any) error {
	b, err := s.Get(key)
	if err != nil {
		return err
	}
	return DecodeJSON(b, dest)
}

// DecodeMsgpack decodes msgpack bytes into a record map.
func DecodeMsgpack(data []byte) (map[string]any, error) {
	return msgpck.UnmarshalMapStringAny(data, false)
}

// EncodeMsgpack encodes a record map to msgpack bytes.
func EncodeMsgpack(record map[string]any) ([]byte, error) {
	return msgpck.MarshalCopy(record)
}

// EncodeJSON encodes any value to JSON bytes.
func EncodeJSON(data any) ([]byte, error) {
	return json.Marshal(data)
}

// DecodeJSON decodes JSON bytes into the provided destination.
func DecodeJSON(data []byte, dest any) error {
	return json.Unmarshal(data, dest)
}

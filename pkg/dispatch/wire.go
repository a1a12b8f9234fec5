package dispatch

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// RequestKind selects the handler table a request is routed to.
type RequestKind uint8

const (
	KindQuery RequestKind = iota + 1
	KindMCP
)

func (k RequestKind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindMCP:
		return "mcp"
	}
	return fmt.Sprintf("RequestKind(%d)", k)
}

// Request is one call into a loaded program.
type Request struct {
	Name   string
	Kind   RequestKind
	Body   []byte
	APIKey string
}

// Response carries either OK or Err.
type Response struct {
	OK  []byte
	Err *Error
}

// ErrMalformed is returned when a frame cannot be decoded.
var ErrMalformed = errors.New("dispatch: malformed frame")

// Field numbers of the wire messages.
const (
	reqName   protowire.Number = 1
	reqKind   protowire.Number = 2
	reqBody   protowire.Number = 3
	reqAPIKey protowire.Number = 4

	respOK    protowire.Number = 1
	respError protowire.Number = 2

	errCode    protowire.Number = 1
	errMessage protowire.Number = 2
)

// MarshalRequest encodes r in protobuf wire format.
func MarshalRequest(r Request) []byte {
	var b []byte
	b = protowire.AppendTag(b, reqName, protowire.BytesType)
	b = protowire.AppendString(b, r.Name)
	b = protowire.AppendTag(b, reqKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Kind))
	b = protowire.AppendTag(b, reqBody, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Body)
	if r.APIKey != "" {
		b = protowire.AppendTag(b, reqAPIKey, protowire.BytesType)
		b = protowire.AppendString(b, r.APIKey)
	}
	return b
}

// UnmarshalRequest decodes a request frame. Unknown fields are skipped.
func UnmarshalRequest(b []byte) (Request, error) {
	var r Request
	err := eachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == reqName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.Name = v
			return n, nil
		case num == reqKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Kind = RequestKind(v)
			return n, nil
		case num == reqBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			r.Body = append([]byte(nil), v...)
			return n, nil
		case num == reqAPIKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.APIKey = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return r, err
}

// MarshalResponse encodes r in protobuf wire format.
func MarshalResponse(r Response) []byte {
	var b []byte
	if r.Err != nil {
		var e []byte
		e = protowire.AppendTag(e, errCode, protowire.BytesType)
		e = protowire.AppendString(e, string(r.Err.Code))
		e = protowire.AppendTag(e, errMessage, protowire.BytesType)
		e = protowire.AppendString(e, r.Err.Message)
		b = protowire.AppendTag(b, respError, protowire.BytesType)
		return protowire.AppendBytes(b, e)
	}
	b = protowire.AppendTag(b, respOK, protowire.BytesType)
	return protowire.AppendBytes(b, r.OK)
}

// UnmarshalResponse decodes a response frame.
func UnmarshalResponse(b []byte) (Response, error) {
	var r Response
	err := eachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == respOK && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			r.OK = append([]byte{}, v...)
			return n, nil
		case num == respError && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			e, err := unmarshalError(v)
			if err != nil {
				return 0, err
			}
			r.Err = e
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return r, err
}

func unmarshalError(b []byte) (*Error, error) {
	e := &Error{}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == errCode && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			e.Code = ErrorCode(v)
			return n, nil
		case num == errMessage && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			e.Message = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return e, err
}

// eachField walks the fields of a message. fn consumes the value that
// starts at b and returns its length, negative on a protowire error.
func eachField(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

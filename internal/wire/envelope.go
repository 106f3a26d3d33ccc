package wire

import (
	"github.com/vmihailenco/msgpack/v5"
	"github.com/yanun0323/errors"

	"main/internal/schema"
)

// Request is the client-to-daemon envelope.
type Request struct {
	ID    uint64         `msgpack:"id"`
	Cmd   string         `msgpack:"cmd"`
	Actor string         `msgpack:"actor,omitempty"`
	Args  map[string]any `msgpack:"args,omitempty"`
}

// ResponseError mirrors schema.CodedError on the wire.
type ResponseError struct {
	Code    string         `msgpack:"code"`
	Message string         `msgpack:"message"`
	Details map[string]any `msgpack:"details,omitempty"`
}

// Response is the daemon-to-client envelope. Risk rejections arrive here as
// ok:false with a specific code; they are not transport failures.
type Response struct {
	ID    uint64         `msgpack:"id"`
	OK    bool           `msgpack:"ok"`
	Data  any            `msgpack:"data,omitempty"`
	Error *ResponseError `msgpack:"error,omitempty"`
	Meta  map[string]any `msgpack:"meta,omitempty"`
}

// Event is the streamed event frame body.
type Event struct {
	Topic     string         `msgpack:"topic"`
	Timestamp int64          `msgpack:"timestamp"`
	Data      map[string]any `msgpack:"data,omitempty"`
}

// EncodeRequest serializes a request envelope.
func EncodeRequest(req Request) ([]byte, error) {
	b, err := msgpack.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}
	return b, nil
}

// DecodeRequest parses a request envelope.
func DecodeRequest(payload []byte) (Request, error) {
	var req Request
	if err := msgpack.Unmarshal(payload, &req); err != nil {
		return Request{}, errors.Wrap(err, "decode request")
	}
	return req, nil
}

// EncodeResponse serializes a response envelope.
func EncodeResponse(resp Response) ([]byte, error) {
	b, err := msgpack.Marshal(resp)
	if err != nil {
		return nil, errors.Wrap(err, "encode response")
	}
	return b, nil
}

// DecodeResponse parses a response envelope.
func DecodeResponse(payload []byte) (Response, error) {
	var resp Response
	if err := msgpack.Unmarshal(payload, &resp); err != nil {
		return Response{}, errors.Wrap(err, "decode response")
	}
	return resp, nil
}

// EncodeEvent serializes an event envelope for streaming.
func EncodeEvent(env schema.EventEnvelope) ([]byte, error) {
	b, err := msgpack.Marshal(Event{
		Topic:     string(env.Topic),
		Timestamp: env.Timestamp.UnixNano(),
		Data:      env.Data,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode event")
	}
	return b, nil
}

// DecodeEvent parses an event envelope.
func DecodeEvent(payload []byte) (Event, error) {
	var ev Event
	if err := msgpack.Unmarshal(payload, &ev); err != nil {
		return Event{}, errors.Wrap(err, "decode event")
	}
	return ev, nil
}

// OkResponse builds a successful response.
func OkResponse(id uint64, data any) Response {
	return Response{ID: id, OK: true, Data: data}
}

// ErrResponse builds a failed response from a coded error.
func ErrResponse(id uint64, cerr *schema.CodedError) Response {
	return Response{
		ID: id,
		Error: &ResponseError{
			Code:    string(cerr.Code),
			Message: cerr.Message,
			Details: cerr.Details,
		},
	}
}

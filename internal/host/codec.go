package host

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/CZERTAINLY/ffbridge/internal/model"
)

// Encoder writes one frame per call.
type Encoder interface {
	Encode(v any) error
}

// Decoder reads one frame per call and returns io.EOF at the end of the stream.
type Decoder interface {
	Decode(v any) error
}

// Codec frames the host stream, json lines or a cbor sequence.
type Codec interface {
	Name() string
	NewEncoder(w io.Writer) Encoder
	NewDecoder(r io.Reader) Decoder
}

func CodecFor(name string) (Codec, error) {
	switch name {
	case model.CodecJSON, "":
		return jsonCodec{}, nil
	case model.CodecCBOR:
		return cborCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return model.CodecJSON }

func (jsonCodec) NewEncoder(w io.Writer) Encoder {
	// Encode terminates every value with a newline
	return json.NewEncoder(w)
}

func (jsonCodec) NewDecoder(r io.Reader) Decoder {
	return json.NewDecoder(r)
}

// encMode uses Core Deterministic Encoding, decMode decodes maps of any
// typed values as map[string]any, as the json codec does.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("host: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("host: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborCodec struct{}

func (cborCodec) Name() string { return model.CodecCBOR }

func (cborCodec) NewEncoder(w io.Writer) Encoder {
	return encMode.NewEncoder(w)
}

func (cborCodec) NewDecoder(r io.Reader) Decoder {
	return decMode.NewDecoder(r)
}

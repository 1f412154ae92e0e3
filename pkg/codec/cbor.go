package codec

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// CBOR implements Marshaler and Unmarshaler on top of fxamacker/cbor.
// Timestamps are encoded as RFC3339 text so UpdatedAt survives a round trip
// with its ordering semantics intact across implementations.
type CBOR struct {
	em cbor.EncMode
	dm cbor.DecMode
}

// NewCBOR returns the codec used by default across opsync.
func NewCBOR() *CBOR {
	opts := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	dm, err := cbor.DecOptions{TimeTag: cbor.DecTagOptional}.DecMode()
	if err != nil {
		panic(err)
	}
	return &CBOR{em: em, dm: dm}
}

func (c *CBOR) Marshal(v any) ([]byte, error) {
	return c.em.Marshal(v)
}

func (c *CBOR) NewEncoder(w io.Writer) Encoder {
	return c.em.NewEncoder(w)
}

func (c *CBOR) Unmarshal(data []byte, dst any) error {
	return c.dm.Unmarshal(data, dst)
}

func (c *CBOR) NewDecoder(r io.Reader) Decoder {
	return c.dm.NewDecoder(r)
}

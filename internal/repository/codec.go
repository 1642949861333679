package repository

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Set and map columns (members, agents, settings, metadata) are stored as
// deterministic CBOR.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("repository: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Nested settings values must come back as map[string]any, not
		// map[interface{}]interface{}, so they re-encode as JSON.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("repository: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeColumn(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func decodeColumn(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return decMode.Unmarshal(data, v)
}

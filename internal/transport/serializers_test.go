package transport

import (
	"reflect"
	"testing"

	"code.sealbox.org/golang/internal/utils"
)

type envelope struct {
	Ciphertext utils.HexBinary `json:"ciphertext" cbor:"1,keyasint"`
	Tag        utils.HexBinary `json:"tag" cbor:"2,keyasint"`
}

func TestSerializerRoundTrip(t *testing.T) {
	serializers := map[string]Serializer{
		"json": JSONSerializer{},
		"cbor": CBORSerializer{},
	}
	msg := envelope{
		Ciphertext: utils.HexBinary{0x00, 0x01, 0xFE, 0xFF},
		Tag:        utils.HexBinary{0xAA, 0xBB},
	}
	for name, srz := range serializers {
		data, err := srz.Marshal(msg)
		if nil != err {
			t.Fatalf("[%s] Failed Marshal, got error %v", name, err)
		}
		dst := envelope{}
		err = srz.Unmarshal(data, &dst)
		if nil != err {
			t.Fatalf("[%s] Failed Unmarshal, got error %v", name, err)
		}
		if !reflect.DeepEqual(msg, dst) {
			t.Errorf("[%s] round trip mismatch %+v != %+v", name, msg, dst)
		}
	}
}

func TestJSONHexEncoding(t *testing.T) {
	// binary values must cross the wire as hex text, never raw bytes
	msg := envelope{Ciphertext: utils.HexBinary{0xDE, 0xAD}, Tag: utils.HexBinary{0xBE, 0xEF}}
	data, err := JSONSerializer{}.Marshal(msg)
	if nil != err {
		t.Fatalf("Failed Marshal, got error %v", err)
	}
	expected := `{"ciphertext":"dead","tag":"beef"}`
	if expected != string(data) {
		t.Errorf("Invalid encoding %s != %s", data, expected)
	}
}

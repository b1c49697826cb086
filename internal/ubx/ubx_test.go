package ubx

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncode_KnownVectors(t *testing.T) {
	cases := []struct {
		name    string
		class   byte
		id      byte
		payload []byte
		want    []byte
	}{
		{
			name:  "PollCfgRate",
			class: ClassCFG, id: IDCfgRate,
			want: []byte{0xB5, 0x62, 0x06, 0x08, 0x00, 0x00, 0x0E, 0x30},
		},
		{
			name:  "SetCfgRate2Hz",
			class: ClassCFG, id: IDCfgRate,
			payload: []byte{0xF4, 0x01, 0x01, 0x00, 0x01, 0x00},
			want:    []byte{0xB5, 0x62, 0x06, 0x08, 0x06, 0x00, 0xF4, 0x01, 0x01, 0x00, 0x01, 0x00, 0x0B, 0x77},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Encode(tc.class, tc.id, tc.payload)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if !bytes.Equal(got, tc.want) {
				t.Fatalf("got % X want % X", got, tc.want)
			}
		})
	}
}

func TestChecksum_ExcludesSyncBytes(t *testing.T) {
	raw, err := Encode(ClassCFG, IDCfgRate, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	a, b := Checksum(raw[2 : len(raw)-2])
	if a != raw[len(raw)-2] || b != raw[len(raw)-1] {
		t.Fatalf("checksum %02X %02X does not match trailer % X", a, b, raw[len(raw)-2:])
	}
}

func TestDecode_RoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		{0x00},
		{0xB5, 0x62, 0xB5, 0x62},
		CfgRate{MeasRateMs: 200, NavRate: 1, TimeRef: TimeRefGPS}.Payload(),
		FactoryDefaults().Payload(),
		bytes.Repeat([]byte{0xFF}, 64),
	}
	for _, p := range payloads {
		raw, err := Encode(ClassCFG, IDCfgCfg, p)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		f, err := Decode(raw)
		if err != nil {
			t.Fatalf("Decode(% X): %v", raw, err)
		}
		want, _ := NewFrame(ClassCFG, IDCfgCfg, p)
		if f.Class != want.Class || f.ID != want.ID || f.Checksum != want.Checksum {
			t.Fatalf("frame=%+v want %+v", f, want)
		}
		if !bytes.Equal(f.Payload, want.Payload) {
			t.Fatalf("payload=% X want % X", f.Payload, want.Payload)
		}
	}
}

func TestDecode_SingleBitFlipIsChecksumMismatch(t *testing.T) {
	raw, err := Encode(ClassCFG, IDCfgRate, CfgRate{MeasRateMs: 1000, NavRate: 1, TimeRef: TimeRefGPS}.Payload())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for i := headerLen; i < len(raw)-2; i++ {
		for bit := 0; bit < 8; bit++ {
			bad := append([]byte(nil), raw...)
			bad[i] ^= 1 << bit
			if _, err := Decode(bad); !errors.Is(err, ErrChecksumMismatch) {
				t.Fatalf("byte %d bit %d: err=%v want ErrChecksumMismatch", i, bit, err)
			}
		}
	}
}

func TestDecode_Errors(t *testing.T) {
	good, _ := Encode(ClassCFG, IDCfgRate, []byte{1, 2, 3})

	if _, err := Decode(good[:len(good)-1]); !errors.Is(err, ErrTruncated) {
		t.Fatalf("short frame err=%v", err)
	}
	if _, err := Decode(good[:3]); !errors.Is(err, ErrTruncated) {
		t.Fatalf("short header err=%v", err)
	}
	bad := append([]byte(nil), good...)
	bad[0] = '$'
	if _, err := Decode(bad); !errors.Is(err, ErrBadSync) {
		t.Fatalf("bad sync err=%v", err)
	}
	huge := []byte{Sync1, Sync2, ClassCFG, IDCfgRate, 0xFF, 0xFF}
	if _, err := Decode(huge); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("huge err=%v", err)
	}
	if _, err := Encode(ClassCFG, IDCfgRate, make([]byte, MaxPayload+1)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("encode huge err=%v", err)
	}
}

func TestAckHelpers(t *testing.T) {
	ack, _ := NewFrame(ClassACK, IDAckAck, []byte{ClassCFG, IDCfgRate})
	nak, _ := NewFrame(ClassACK, IDAckNak, []byte{ClassCFG, IDCfgRate})
	if !IsAck(ack, ClassCFG, IDCfgRate) || IsNak(ack, ClassCFG, IDCfgRate) {
		t.Fatalf("ack misclassified")
	}
	if !IsNak(nak, ClassCFG, IDCfgRate) || IsAck(nak, ClassCFG, IDCfgRate) {
		t.Fatalf("nak misclassified")
	}
	if IsAck(ack, ClassCFG, IDCfgCfg) {
		t.Fatalf("ack for CFG-RATE must not match CFG-CFG")
	}
}

func TestParseCfgRate(t *testing.T) {
	want := CfgRate{MeasRateMs: 500, NavRate: 1, TimeRef: TimeRefUTC}
	got, err := ParseCfgRate(want.Payload())
	if err != nil {
		t.Fatalf("ParseCfgRate: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
	if _, err := ParseCfgRate([]byte{1, 2, 3}); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("short payload err=%v", err)
	}
}

package ubx

import (
	"errors"
	"testing"
)

func TestScanner_SkipsTextAndSplitsAcrossWrites(t *testing.T) {
	ack, _ := Encode(ClassACK, IDAckAck, []byte{ClassCFG, IDCfgRate})
	rate, _ := Encode(ClassCFG, IDCfgRate, CfgRate{MeasRateMs: 500, NavRate: 1, TimeRef: TimeRefGPS}.Payload())

	var stream []byte
	stream = append(stream, []byte("$GPGGA,partial*00\r\n")...)
	stream = append(stream, rate...)
	stream = append(stream, []byte("\xB5junk")...)
	stream = append(stream, ack...)

	var s Scanner
	var got []Frame
	for i := 0; i < len(stream); i += 3 {
		end := i + 3
		if end > len(stream) {
			end = len(stream)
		}
		_, _ = s.Write(stream[i:end])
		for {
			f, ok, err := s.Next()
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if !ok {
				break
			}
			got = append(got, f)
		}
	}
	if len(got) != 2 {
		t.Fatalf("frames=%v", got)
	}
	if got[0].Class != ClassCFG || got[0].ID != IDCfgRate {
		t.Fatalf("first=%v", got[0])
	}
	if !IsAck(got[1], ClassCFG, IDCfgRate) {
		t.Fatalf("second=%v", got[1])
	}
}

func TestScanner_ReportsCorruptThenRecovers(t *testing.T) {
	bad, _ := Encode(ClassCFG, IDCfgRate, []byte{1, 2, 3, 4, 5, 6})
	bad[len(bad)-1] ^= 0xFF
	good, _ := Encode(ClassACK, IDAckAck, []byte{ClassCFG, IDCfgRate})

	var s Scanner
	_, _ = s.Write(bad)
	_, _ = s.Write(good)

	if _, _, err := s.Next(); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("err=%v want ErrChecksumMismatch", err)
	}
	f, ok, err := s.Next()
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if !IsAck(f, ClassCFG, IDCfgRate) {
		t.Fatalf("frame=%v", f)
	}
	if s.Buffered() != 0 {
		t.Fatalf("buffered=%d", s.Buffered())
	}
}

func TestScanner_ResetDropsPartialFrame(t *testing.T) {
	good, _ := Encode(ClassACK, IDAckAck, []byte{ClassCFG, IDCfgRate})
	var s Scanner
	_, _ = s.Write(good[:5])
	s.Reset()
	_, _ = s.Write(good[5:])
	if _, ok, _ := s.Next(); ok {
		t.Fatalf("expected no frame after reset")
	}
}

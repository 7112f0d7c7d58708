package ratelimit

import "testing"

func TestDecodeWindowReply(t *testing.T) {
	allowed, count, err := decodeWindowReply([]interface{}{int64(1), int64(7)})
	if err != nil || !allowed || count != 7 {
		t.Fatalf("good reply: allowed=%v count=%d err=%v", allowed, count, err)
	}

	if _, _, err := decodeWindowReply([]interface{}{int64(0), int64(10)}); err != nil {
		t.Fatalf("denied reply should decode: %v", err)
	}

	for _, bad := range []interface{}{
		nil,
		"OK",
		[]interface{}{int64(1)},
		[]interface{}{"1", int64(7)},
		[]interface{}{int64(1), "7"},
	} {
		if _, _, err := decodeWindowReply(bad); err == nil {
			t.Fatalf("reply %v should be rejected", bad)
		}
	}
}

func TestDecodeTokenReply(t *testing.T) {
	allowed, tokens, err := decodeTokenReply([]interface{}{int64(1), "2.5"})
	if err != nil || !allowed || tokens != 2.5 {
		t.Fatalf("good reply: allowed=%v tokens=%v err=%v", allowed, tokens, err)
	}

	for _, bad := range []interface{}{
		nil,
		[]interface{}{int64(1)},
		[]interface{}{"1", "2.5"},
		[]interface{}{int64(1), int64(2)},
		[]interface{}{int64(1), "not-a-number"},
	} {
		if _, _, err := decodeTokenReply(bad); err == nil {
			t.Fatalf("reply %v should be rejected", bad)
		}
	}
}

package platform

import "testing"

func TestKeyIsStableAndRedacted(t *testing.T) {
	cred := "123456:ABCDEF"
	k := Key(cred)
	if len(k) != 16 {
		t.Fatalf("len = %d", len(k))
	}
	if k != Key(cred) {
		t.Fatal("key not stable")
	}
	if k == Key("123456:ABCDEG") {
		t.Fatalf("unexpected key %s", k)
	}
}

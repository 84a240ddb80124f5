package cdpbackend

import "testing"

func TestLookupKey(t *testing.T) {
	k, err := lookupKey("Enter")
	if err != nil || k.KeyCode != 13 || k.Text != "\r" {
		t.Fatalf("Enter = %+v, %v", k, err)
	}
	k, err = lookupKey("a")
	if err != nil || k.Code != "KeyA" || k.KeyCode != 65 || k.Text != "a" {
		t.Fatalf("a = %+v, %v", k, err)
	}
	k, err = lookupKey("F5")
	if err != nil || k.KeyCode != 116 {
		t.Fatalf("F5 = %+v, %v", k, err)
	}
	if _, err := lookupKey("NotAKey"); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestModifierMask(t *testing.T) {
	m, err := modifierMask([]string{"ctrl", "Shift"})
	if err != nil || m != 10 {
		t.Fatalf("mask = %d, %v", m, err)
	}
	if _, err := modifierMask([]string{"hyper"}); err == nil {
		t.Fatal("expected error for unknown modifier")
	}
}

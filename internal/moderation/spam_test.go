package moderation

import "testing"

func TestSpamURLs(t *testing.T) {
	f := NewFilterWithTerms(nil)

	blocked := []string{
		"check out https://example.com/deal",
		"visit www.scam.site now",
		"go to phishing.xyz/login",
	}
	for _, text := range blocked {
		r := f.Check(text)
		if !r.Blocked || r.Term != "url" {
			t.Errorf("Check(%q) = %+v, want url block", text, r)
		}
	}

	clean := []string{
		"the version is v2.0",
		"pi is roughly 3.14",
		"see you at 10.30",
	}
	for _, text := range clean {
		if r := f.Check(text); r.Blocked {
			t.Errorf("Check(%q) = %+v, want clean", text, r)
		}
	}
}

func TestSpamPhoneNumbers(t *testing.T) {
	f := NewFilterWithTerms(nil)

	blocked := []string{
		"call me at +1-555-123-4567",
		"my number is (555) 123-4567",
		"text 555.123.4567 tonight",
	}
	for _, text := range blocked {
		r := f.Check(text)
		if !r.Blocked || r.Term != "phone" {
			t.Errorf("Check(%q) = %+v, want phone block", text, r)
		}
	}

	if r := f.Check("room 100 on floor 3"); r.Blocked {
		t.Errorf("Check(short numbers) = %+v, want clean", r)
	}
}

func TestSpamCharFlood(t *testing.T) {
	f := NewFilterWithTerms(nil)

	if r := f.Check("aaaaaaah"); !r.Blocked || r.Term != "char_flood" {
		t.Errorf("char flood not detected: %+v", r)
	}
	if r := f.Check("aaah okay"); r.Blocked {
		t.Errorf("four repeats blocked: %+v", r)
	}
}

func TestSpamWordFlood(t *testing.T) {
	f := NewFilterWithTerms(nil)

	if r := f.Check("buy buy buy"); !r.Blocked || r.Term != "word_flood" {
		t.Errorf("word flood not detected: %+v", r)
	}
	if r := f.Check("Buy BUY buy"); !r.Blocked {
		t.Error("case-insensitive word flood not detected")
	}
	if r := f.Check("buy it buy it buy"); r.Blocked {
		t.Errorf("non-consecutive repeats blocked: %+v", r)
	}
}

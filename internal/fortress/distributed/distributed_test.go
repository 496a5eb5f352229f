package distributed

import "testing"

func TestCheckBelowMinimumNeverFlagsAttack(t *testing.T) {
	d := New()
	for i := 0; i < 10; i++ {
		r := d.Check("1.1.1.1", "/login", "curl/8.0")
		if r.IsAttack {
			t.Fatalf("must not flag attack before minRequests reached")
		}
	}
}

func TestCheckDetectsConcentratedLowDiversityFlood(t *testing.T) {
	d := New()
	var lastNew bool
	for i := 0; i < 60; i++ {
		ip := "1.1.1." + string(rune('0'+i%20))
		r := d.Check(ip, "/login", "curl/8.0")
		lastNew = r.IsNewIP
		_ = lastNew
	}
	_, _, _, active := d.Stats()
	if !active {
		t.Fatalf("expected distributed attack to be declared with path concentration + low UA diversity")
	}
}

func TestCheckDiverseTrafficNeverFlags(t *testing.T) {
	d := New()
	paths := []string{"/a", "/b", "/c", "/d", "/e", "/f", "/g", "/h"}
	uas := []string{"ua1", "ua2", "ua3", "ua4", "ua5", "ua6", "ua7", "ua8"}
	for i := 0; i < 60; i++ {
		d.Check("2.2.2.2", paths[i%len(paths)], uas[i%len(uas)])
	}
	if d.IsAttackActive() {
		t.Fatalf("diverse single-IP traffic should not be flagged as a distributed attack")
	}
}

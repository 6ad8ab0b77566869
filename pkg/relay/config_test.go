package relay

import "testing"

func TestPortFromEnv(t *testing.T) {
	for raw, want := range map[string]int{"": DefaultPort, "5002": 5002} {
		got, err := PortFromEnv(func(string) string { return raw })
		if err != nil || got != want {
			t.Fatalf("%q: got %d, %v; want %d", raw, got, err, want)
		}
	}
	for _, raw := range []string{"abc", "0", "70000", "-1"} {
		if _, err := PortFromEnv(func(string) string { return raw }); err == nil {
			t.Fatalf("%q: expected error", raw)
		}
	}
}

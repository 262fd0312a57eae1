package main

import "testing"

func TestCheckArgs(t *testing.T) {
	for _, tt := range []struct {
		args []string
		ok   bool
	}{
		{[]string{"/data", "/mnt"}, true},
		{[]string{"-workers", "4", "/data", "/mnt"}, true},
		{[]string{"/data"}, false},
		{[]string{}, false},
		{[]string{"/data", "-mnt"}, false},
		{[]string{"-data", "/mnt"}, false},
		{[]string{"", "/mnt"}, false},
	} {
		err := checkArgs(tt.args)
		if (err == nil) != tt.ok {
			t.Errorf("checkArgs(%q) = %v, want ok=%v", tt.args, err, tt.ok)
		}
	}
}

// Running with root privileges must be refused (exit code 1 in main).
func TestRootRefused(t *testing.T) {
	for _, tt := range []struct {
		uid, euid int
		want      bool
	}{
		{0, 0, true},
		{0, 1000, true},
		{1000, 0, true},
		{1000, 1000, false},
	} {
		if got := rootRefused(tt.uid, tt.euid); got != tt.want {
			t.Errorf("rootRefused(%d, %d) = %v, want %v", tt.uid, tt.euid, got, tt.want)
		}
	}
}

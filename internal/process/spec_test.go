package process

import (
	"reflect"
	"testing"
)

func TestBuildCommand(t *testing.T) {
	cases := []struct {
		line string
		args []string
	}{
		{"", []string{"/bin/true"}},
		{"php artisan horizon:work redis --queue=default", []string{"php", "artisan", "horizon:work", "redis", "--queue=default"}},
		{"sh -c 'echo hi > /tmp/x'", []string{"/bin/sh", "-c", "echo hi > /tmp/x"}},
		{"worker --name=$HOST", []string{"/bin/sh", "-c", "worker --name=$HOST"}},
		{"  /usr/bin/sh -c \"sleep 1\"  ", []string{"/bin/sh", "-c", "sleep 1"}},
	}
	for _, c := range cases {
		s := Spec{Command: c.line}
		cmd := s.BuildCommand()
		if !reflect.DeepEqual(cmd.Args, c.args) {
			t.Errorf("BuildCommand(%q) args=%q want %q", c.line, cmd.Args, c.args)
		}
	}
}

func TestParseSignal(t *testing.T) {
	for _, in := range []string{"SIGTERM", "term", "15"} {
		sig, err := ParseSignal(in)
		if err != nil || SignalName(sig) != "SIGTERM" {
			t.Fatalf("ParseSignal(%q)=%v %v", in, sig, err)
		}
	}
	if _, err := ParseSignal("SIGNOPE"); err == nil {
		t.Fatalf("expected error for unknown signal")
	}
}

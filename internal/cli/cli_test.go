package cli

import "testing"

func TestRootCommandTree(t *testing.T) {
	root := NewRootCmd()
	want := map[string]bool{
		"setup": false, "teardown": false, "status": false,
		"pull": false, "install": false, "resolve-port": false, "verify": false,
	}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Error("missing persistent --config flag")
	}
	if root.PersistentFlags().Lookup("log-level") == nil {
		t.Error("missing persistent --log-level flag")
	}
}

func TestSplitRef(t *testing.T) {
	cases := []struct {
		in, name, tag string
	}{
		{"llama3.2:1b", "llama3.2", "1b"},
		{"llama3.2", "llama3.2", ""},
		{"registry/llama:7b", "registry/llama", "7b"},
		{":odd", ":odd", ""},
	}
	for _, tc := range cases {
		name, tag := splitRef(tc.in)
		if name != tc.name || tag != tc.tag {
			t.Errorf("splitRef(%q) = %q, %q, want %q, %q", tc.in, name, tag, tc.name, tc.tag)
		}
	}
}

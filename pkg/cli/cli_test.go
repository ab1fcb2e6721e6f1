package cli

import (
	"bytes"
	"testing"
)

func TestRootCommandWiring(t *testing.T) {
	root := newRootCmd()

	want := map[string]bool{"classify": false, "validate": false, "rewrite": false, "run": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q is not registered", name)
		}
	}
}

func TestClassifyCmd_RequiresArgument(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"classify"})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)

	if err := root.Execute(); err == nil {
		t.Fatal("classify without a SQL argument must fail")
	}
}

func TestValidateCmd_RequiresArgument(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"validate"})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)

	if err := root.Execute(); err == nil {
		t.Fatal("validate without a SQL argument must fail")
	}
}

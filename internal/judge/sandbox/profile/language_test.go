package profile

import "testing"

func TestRegistryLookup(t *testing.T) {
	t.Parallel()
	reg, err := NewRegistry(DefaultLanguages())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	for _, name := range []string{"cpp", "C++", "python3", "py", "java", "c"} {
		if _, ok := reg.Lookup(name); !ok {
			t.Fatalf("Lookup(%q) failed", name)
		}
	}
	if _, ok := reg.Lookup("brainfuck"); ok {
		t.Fatal("unknown language should not resolve")
	}
	cpp, _ := reg.Lookup("cpp")
	if cpp.CompileTimeoutMs != DefaultCompileTimeoutMs || cpp.CompileMemoryMB != DefaultCompileMemoryMB {
		t.Fatalf("compile defaults not applied: %+v", cpp)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()
	specs := []LanguageSpec{
		{ID: "python", SourceFile: "a.py", RunCmdTpl: "python3 {src}"},
		{ID: "py2", Aliases: []string{"Python"}, SourceFile: "a.py", RunCmdTpl: "python2 {src}"},
	}
	if _, err := NewRegistry(specs); err == nil {
		t.Fatal("expected duplicate alias error")
	}
}

func TestRegistryRequiresCompileTemplate(t *testing.T) {
	t.Parallel()
	specs := []LanguageSpec{{ID: "cpp", SourceFile: "main.cpp", RunCmdTpl: "{bin}", CompileEnabled: true}}
	if _, err := NewRegistry(specs); err == nil {
		t.Fatal("expected missing compile template error")
	}
}

package language

import (
	"testing"

	. "github.com/onsi/gomega"
)

func TestRegistryLookup(t *testing.T) {
	testCases := []struct {
		name     string
		code     string
		expected string
		found    bool
	}{
		{
			name:     "known language",
			code:     "py",
			expected: "Python",
			found:    true,
		},
		{
			name:     "lookup is case-insensitive",
			code:     "PY",
			expected: "Python",
			found:    true,
		},
		{
			name:  "unknown language",
			code:  "cobol",
			found: false,
		},
		{
			name:  "empty code",
			code:  "",
			found: false,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g := NewWithT(t)
			reg := NewRegistry()
			l, ok := reg.Get(tc.code)
			g.Expect(ok).To(Equal(tc.found))
			if tc.found {
				g.Expect(l.Name).To(Equal(tc.expected))
			}
		})
	}
}

func TestRegistryTableInvariants(t *testing.T) {
	g := NewWithT(t)
	reg := NewRegistry()
	codes := reg.Codes()
	g.Expect(codes).To(HaveLen(12))

	for _, code := range codes {
		l, ok := reg.Get(code)
		g.Expect(ok).To(BeTrue())
		g.Expect(l.Image).ToNot(BeEmpty(), "language %s has no image", code)
		g.Expect(l.FileExtension).To(HavePrefix("."), "language %s extension", code)
		g.Expect(l.ExecutionCommand).ToNot(BeEmpty(), "language %s command", code)
		g.Expect(l.TimeoutMultiplier).To(BeNumerically(">=", 1.0))
		g.Expect(l.MemoryMultiplier).To(BeNumerically(">=", 1.0))
	}
}

func TestStatefulLanguages(t *testing.T) {
	g := NewWithT(t)
	reg := NewRegistry()

	stateful := map[string]bool{}
	for _, code := range reg.Codes() {
		l, _ := reg.Get(code)
		if l.Stateful {
			stateful[code] = true
		}
	}
	g.Expect(stateful).To(Equal(map[string]bool{"py": true, "r": true}))
}

func TestPoolSizeEnvVar(t *testing.T) {
	g := NewWithT(t)
	g.Expect(PoolSizeEnvVar("py")).To(Equal("POD_POOL_PY"))
	g.Expect(PoolSizeEnvVar("cpp")).To(Equal("POD_POOL_CPP"))
}

func TestIsolatedEnvOverrides(t *testing.T) {
	g := NewWithT(t)
	reg := NewRegistry()
	goLang, ok := reg.Get("go")
	g.Expect(ok).To(BeTrue())
	g.Expect(goLang.IsolatedEnv).To(HaveKeyWithValue("GOPROXY", "off"))
}

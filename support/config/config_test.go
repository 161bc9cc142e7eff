package config

import (
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/kilnrun/kiln/language"
)

func TestLoadDefaults(t *testing.T) {
	g := NewWithT(t)

	cfg, err := Load(language.NewRegistry())
	g.Expect(err).ToNot(HaveOccurred())

	g.Expect(cfg.ListenAddr).To(Equal("0.0.0.0:8000"))
	g.Expect(cfg.Namespace).To(Equal("kiln"))
	g.Expect(cfg.SidecarPort).To(Equal(8444))
	g.Expect(cfg.SeccompProfileType).To(Equal(SeccompRuntimeDefault))
	g.Expect(cfg.RateLimitEnabled).To(BeTrue())
	g.Expect(cfg.PoolEnabled).To(BeTrue())
	g.Expect(cfg.ReplenishInterval).To(Equal(15 * time.Second))
	g.Expect(cfg.MaxExecutionTime).To(Equal(300 * time.Second))
	g.Expect(cfg.MaxFileSizeBytes()).To(Equal(int64(10 << 20)))

	// Every known language gets a pool size entry, defaulting to on-demand.
	for _, code := range language.NewRegistry().Codes() {
		g.Expect(cfg.PoolSizes).To(HaveKey(code))
	}
}

func TestLoadEnvironmentKeys(t *testing.T) {
	g := NewWithT(t)

	t.Setenv("API_KEY", "sk-primary")
	t.Setenv("API_KEYS", "sk-a, sk-b,,sk-c")

	cfg, err := Load(language.NewRegistry())
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(cfg.EnvKeys).To(Equal([]string{"sk-primary", "sk-a", "sk-b", "sk-c"}))
}

func TestLoadPoolSizes(t *testing.T) {
	g := NewWithT(t)

	t.Setenv("POD_POOL_PY", "3")
	t.Setenv("POD_POOL_GO", "0")

	cfg, err := Load(language.NewRegistry())
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(cfg.PoolSizes["py"]).To(Equal(3))
	g.Expect(cfg.PoolSizes["go"]).To(Equal(0))
}

func TestLoadRejectsLocalhostSeccomp(t *testing.T) {
	g := NewWithT(t)

	t.Setenv("K8S_SECCOMP_PROFILE_TYPE", "Localhost")

	_, err := Load(language.NewRegistry())
	g.Expect(err).To(MatchError(ContainSubstring("K8S_SECCOMP_PROFILE_TYPE")))
}

func TestLoadRejectsNegativePoolSize(t *testing.T) {
	g := NewWithT(t)

	t.Setenv("POD_POOL_JS", "-1")

	_, err := Load(language.NewRegistry())
	g.Expect(err).To(MatchError(ContainSubstring("POD_POOL_JS")))
}

func TestDefaultTimeoutCappedByCeiling(t *testing.T) {
	g := NewWithT(t)

	t.Setenv("MAX_EXECUTION_TIME", "10")
	t.Setenv("DEFAULT_EXECUTION_TIME", "60")

	cfg, err := Load(language.NewRegistry())
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(cfg.DefaultTimeout).To(Equal(cfg.MaxExecutionTime))
}

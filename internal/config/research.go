package config

import (
	"errors"
	"log"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ResearchPolicy holds the tunables of the research lifecycle that may change
// without a restart.
type ResearchPolicy struct {
	MaxSources    int           `mapstructure:"max_sources" yaml:"max_sources" json:"max_sources"`
	EngineTimeout time.Duration `mapstructure:"engine_timeout" yaml:"engine_timeout" json:"engine_timeout"`
	TrackerTTL    time.Duration `mapstructure:"tracker_ttl" yaml:"tracker_ttl" json:"tracker_ttl"`
	StaleAfter    time.Duration `mapstructure:"stale_after" yaml:"stale_after" json:"stale_after"`
	RefundRetry   RetryPolicy   `mapstructure:"refund_retry" yaml:"refund_retry" json:"refund_retry"`
	CAS           RetryPolicy   `mapstructure:"cas" yaml:"cas" json:"cas"`
}

type RetryPolicy struct {
	Attempts  int           `mapstructure:"attempts" yaml:"attempts" json:"attempts"`
	BaseDelay time.Duration `mapstructure:"base_delay" yaml:"base_delay" json:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay" yaml:"max_delay" json:"max_delay"`
}

// Backoff is the wait before retry number attempt (1-based): exponential,
// capped at MaxDelay, plus up to one BaseDelay of jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay << min(max(attempt-1, 0), 16)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay + rand.N(p.BaseDelay)
}

func DefaultResearchPolicy() ResearchPolicy {
	return ResearchPolicy{
		MaxSources:    20,
		EngineTimeout: 10 * time.Minute,
		TrackerTTL:    5 * time.Minute,
		StaleAfter:    5 * time.Minute,
		RefundRetry: RetryPolicy{
			Attempts:  5,
			BaseDelay: 200 * time.Millisecond,
			MaxDelay:  5 * time.Second,
		},
		CAS: RetryPolicy{
			Attempts:  8,
			BaseDelay: 5 * time.Millisecond,
			MaxDelay:  200 * time.Millisecond,
		},
	}
}

type ResearchPolicyHolder struct {
	current atomic.Value // holds ResearchPolicy
}

// NewStaticPolicyHolder returns a holder that never reloads.
func NewStaticPolicyHolder(policy ResearchPolicy) *ResearchPolicyHolder {
	holder := &ResearchPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func NewResearchPolicyHolder() (*ResearchPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("research")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/marketpulse")
	v.AddConfigPath(".")

	v.SetEnvPrefix("MARKETPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setPolicyDefaults(v, DefaultResearchPolicy())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	policy, err := decodePolicy(v)
	if err != nil {
		return nil, err
	}
	if err := ValidateResearchPolicy(policy); err != nil {
		return nil, err
	}

	holder := NewStaticPolicyHolder(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePolicy(v)
		if err != nil {
			log.Printf("[research-policy] reload failed: %v", err)
			return
		}
		if err := ValidateResearchPolicy(updated); err != nil {
			log.Printf("[research-policy] invalid policy ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[research-policy] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *ResearchPolicyHolder) Get() ResearchPolicy {
	return h.current.Load().(ResearchPolicy)
}

// decodePolicy goes through AllSettings so nested defaults survive a partial file.
func decodePolicy(v *viper.Viper) (ResearchPolicy, error) {
	var wrapper struct {
		Research ResearchPolicy `mapstructure:"research"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return ResearchPolicy{}, err
	}
	return wrapper.Research, nil
}

func setPolicyDefaults(v *viper.Viper, d ResearchPolicy) {
	v.SetDefault("research.max_sources", d.MaxSources)
	v.SetDefault("research.engine_timeout", d.EngineTimeout)
	v.SetDefault("research.tracker_ttl", d.TrackerTTL)
	v.SetDefault("research.stale_after", d.StaleAfter)
	v.SetDefault("research.refund_retry.attempts", d.RefundRetry.Attempts)
	v.SetDefault("research.refund_retry.base_delay", d.RefundRetry.BaseDelay)
	v.SetDefault("research.refund_retry.max_delay", d.RefundRetry.MaxDelay)
	v.SetDefault("research.cas.attempts", d.CAS.Attempts)
	v.SetDefault("research.cas.base_delay", d.CAS.BaseDelay)
	v.SetDefault("research.cas.max_delay", d.CAS.MaxDelay)
}

func ValidateResearchPolicy(p ResearchPolicy) error {
	if p.MaxSources <= 0 {
		return errors.New("research.max_sources must be positive")
	}
	if p.EngineTimeout <= 0 {
		return errors.New("research.engine_timeout must be positive")
	}
	if p.StaleAfter <= 0 {
		return errors.New("research.stale_after must be positive")
	}
	if p.RefundRetry.Attempts < 1 || p.CAS.Attempts < 1 {
		return errors.New("retry attempts must be at least 1")
	}
	if p.RefundRetry.BaseDelay < 0 || p.CAS.BaseDelay < 0 {
		return errors.New("retry base_delay cannot be negative")
	}
	return nil
}

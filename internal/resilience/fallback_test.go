package resilience

import (
	"errors"
	"testing"
	"time"
)

func newStringGroup(cfg CircuitBreakerConfig) *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{CircuitBreaker: cfg})
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_PrimaryServes(t *testing.T) {
	fg := newStringGroup(CircuitBreakerConfig{MaxFailures: 3})

	var served string
	err := fg.Execute(func(v string) error {
		served = v
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if served != "primary" {
		t.Fatalf("served by %q, want primary", served)
	}
}

func TestFallbackGroup_FailoverToSecondary(t *testing.T) {
	fg := newStringGroup(CircuitBreakerConfig{MaxFailures: 3})

	var served string
	err := fg.Execute(func(v string) error {
		if v == "primary" {
			return errBoom
		}
		served = v
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if served != "secondary" {
		t.Fatalf("served by %q, want secondary", served)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	fg := newStringGroup(CircuitBreakerConfig{MaxFailures: 3})

	err := fg.Execute(func(string) error { return errBoom })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	fg := newStringGroup(CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})

	// Trip the primary's breaker.
	for i := 0; i < 2; i++ {
		_ = fg.Execute(func(v string) error {
			if v == "primary" {
				return errBoom
			}
			return nil
		})
	}

	var served string
	err := fg.Execute(func(v string) error {
		served = v
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if served != "secondary" {
		t.Fatalf("served by %q, want secondary while primary is open", served)
	}
}

func TestExecuteWithResult_Primary(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("twenty", 20)

	result, err := ExecuteWithResult(fg, func(v int) (string, error) {
		if v == 10 {
			return "from-ten", nil
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if result != "from-ten" {
		t.Fatalf("result = %q, want from-ten", result)
	}
}

func TestExecuteWithResult_Failover(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("twenty", 20)

	result, err := ExecuteWithResult(fg, func(v int) (string, error) {
		if v == 10 {
			return "", errBoom
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if result != "from-twenty" {
		t.Fatalf("result = %q, want from-twenty", result)
	}
}

func TestExecuteWithResult_AllFail(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})

	_, err := ExecuteWithResult(fg, func(int) (string, error) {
		return "", errBoom
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

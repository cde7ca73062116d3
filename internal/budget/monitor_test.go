package budget

import (
	"testing"

	"github.com/Iron-Ham/ralph/internal/agent"
	"github.com/Iron-Ham/ralph/internal/config"
	"github.com/Iron-Ham/ralph/internal/errors"
)

func newTestMonitor(t *testing.T, cb Callbacks) *Monitor {
	t.Helper()
	m, err := NewMonitor(Config{WarnThreshold: 100, RotateThreshold: 200, Estimator: RawEstimator}, cb, nil)
	if err != nil {
		t.Fatalf("NewMonitor() error = %v", err)
	}
	return m
}

func TestObserve(t *testing.T) {
	tests := []struct {
		name     string
		current  int
		size     int
		estimate int
		warn     bool
		rotate   bool
	}{
		{"below both", 0, 50, 50, false, false},
		{"crosses warn", 50, 60, 110, true, false},
		{"already past warn", 110, 10, 120, false, false},
		{"exactly warn", 90, 10, 100, true, false},
		{"reaches rotate", 150, 50, 200, false, true},
		{"jumps both", 0, 500, 500, true, true},
		{"stays over rotate", 250, 0, 250, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor(t, Callbacks{})
			obs := m.Observe(tt.current, agent.Outcome{SizeSignal: tt.size})
			if obs.Estimate != tt.estimate || obs.Warn != tt.warn || obs.Rotate != tt.rotate {
				t.Errorf("Observe(%d, %d) = %+v, want {%d %v %v}", tt.current, tt.size, obs, tt.estimate, tt.warn, tt.rotate)
			}
		})
	}
}

func TestObserveIsMonotonic(t *testing.T) {
	m, err := NewMonitor(Config{WarnThreshold: 10, RotateThreshold: 20, Estimator: func(agent.Outcome) int { return -5 }}, Callbacks{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if obs := m.Observe(7, agent.Outcome{}); obs.Estimate != 7 {
		t.Errorf("negative cost lowered the estimate to %d", obs.Estimate)
	}
}

func TestApplyOverridesContinue(t *testing.T) {
	m := newTestMonitor(t, Callbacks{})
	over := Observation{Estimate: 250, Rotate: true}
	under := Observation{Estimate: 10}

	tests := []struct {
		signal agent.Signal
		obs    Observation
		want   agent.Signal
	}{
		{agent.SignalContinue, over, agent.SignalRotate},
		{agent.SignalContinue, under, agent.SignalContinue},
		{agent.SignalGutter, over, agent.SignalGutter},
		{agent.SignalRotate, under, agent.SignalRotate},
		{agent.SignalConfigError, over, agent.SignalConfigError},
	}
	for _, tt := range tests {
		if got := m.Apply(tt.signal, tt.obs); got != tt.want {
			t.Errorf("Apply(%s, rotate=%v) = %s, want %s", tt.signal, tt.obs.Rotate, got, tt.want)
		}
	}
}

func TestCallbacks(t *testing.T) {
	var warns, rotates []int
	m := newTestMonitor(t, Callbacks{
		OnWarn:   func(e int) { warns = append(warns, e) },
		OnRotate: func(e int) { rotates = append(rotates, e) },
	})

	est := 0
	for _, size := range []int{60, 60, 60, 60} {
		est = m.Observe(est, agent.Outcome{SizeSignal: size}).Estimate
	}

	if len(warns) != 1 || warns[0] != 120 {
		t.Errorf("OnWarn calls = %v, want [120]", warns)
	}
	if len(rotates) != 1 || rotates[0] != 240 {
		t.Errorf("OnRotate calls = %v, want [240]", rotates)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		warn, rotate int
		ok           bool
	}{
		{1, 2, true},
		{0, 2, false},
		{5, 5, false},
		{6, 5, false},
		{-1, 5, false},
	}
	for _, tt := range tests {
		_, err := NewMonitor(Config{WarnThreshold: tt.warn, RotateThreshold: tt.rotate}, Callbacks{}, nil)
		if (err == nil) != tt.ok {
			t.Errorf("NewMonitor(%d, %d) error = %v, want ok=%v", tt.warn, tt.rotate, err, tt.ok)
		}
		if err != nil && !errors.Is(err, errors.ErrConfig) {
			t.Errorf("error %v should wrap ErrConfig", err)
		}
	}
}

func TestEstimators(t *testing.T) {
	out := agent.Outcome{SizeSignal: 400}
	if got := BytesEstimator(out); got != 100 {
		t.Errorf("BytesEstimator = %d, want 100", got)
	}
	if got := RawEstimator(out); got != 400 {
		t.Errorf("RawEstimator = %d, want 400", got)
	}
	if got := FixedEstimator(7)(out); got != 7 {
		t.Errorf("FixedEstimator(7) = %d", got)
	}
	if _, err := EstimatorFor("tiktoken", 0); !errors.Is(err, errors.ErrConfig) {
		t.Errorf("EstimatorFor(unknown) error = %v", err)
	}
}

func TestNewMonitorFromSettings(t *testing.T) {
	s := config.Default().Settings()
	s.Estimator = config.EstimatorFixed
	s.FixedCost = 30000
	m, err := NewMonitorFromSettings(s, Callbacks{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Default thresholds are 70000/80000: three fixed invocations rotate.
	est := 0
	var obs Observation
	for i := 0; i < 3; i++ {
		obs = m.Observe(est, agent.Outcome{})
		est = obs.Estimate
	}
	if !obs.Rotate || est != 90000 {
		t.Errorf("after three invocations: %+v", obs)
	}
}

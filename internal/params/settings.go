package params

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

const (
	KeyIsEnabled           = "IsEnabled"
	KeyPeriodSec           = "PeriodSec"
	KeyThreads             = "Threads"
	KeyHeartbeatPeriodSec  = "HeartbeatPeriodSec"
	KeyHeartbeatTimeoutSec = "HeartbeatTimeoutSec"
)

// Bounds of the duration parameters and of Threads.
const (
	MinDuration = time.Millisecond
	MaxDuration = 366 * 24 * time.Hour
	MaxThreads  = 1024
)

// Values is one consistent read of a watchdog's parameters.
type Values struct {
	Enabled          bool
	Period           time.Duration
	Threads          int
	HeartbeatPeriod  time.Duration
	HeartbeatTimeout time.Duration
}

// Defaults are written by InitDefaults for keys that do not exist yet.
var Defaults = Values{
	Enabled:          false,
	Period:           24 * time.Hour,
	Threads:          4,
	HeartbeatPeriod:  60 * time.Second,
	HeartbeatTimeout: 600 * time.Second,
}

// Settings reads the parameters of the watchdog called Name.
type Settings struct {
	Name  string
	store Store
}

func NewSettings(name string, store Store) *Settings {
	return &Settings{Name: name, store: store}
}

func (s *Settings) Key(suffix string) string { return s.Name + "." + suffix }

// InitDefaults inserts the default of every key that is missing. Existing
// values are left untouched, so concurrent instances may all call it.
func (s *Settings) InitDefaults(ctx context.Context) error {
	defaults := []struct {
		key   string
		value float64
	}{
		{KeyIsEnabled, 0},
		{KeyThreads, float64(Defaults.Threads)},
		{KeyPeriodSec, Defaults.Period.Seconds()},
		{KeyHeartbeatPeriodSec, Defaults.HeartbeatPeriod.Seconds()},
		{KeyHeartbeatTimeoutSec, Defaults.HeartbeatTimeout.Seconds()},
	}
	for _, d := range defaults {
		if err := s.store.InitNumber(ctx, s.Key(d.key), d.value); err != nil {
			return errors.Wrapf(err, "init %s", s.Key(d.key))
		}
	}
	return nil
}

func (s *Settings) number(ctx context.Context, suffix string) (float64, error) {
	return s.store.GetNumber(ctx, s.Key(suffix))
}

func (s *Settings) Enabled(ctx context.Context) (bool, error) {
	v, err := s.number(ctx, KeyIsEnabled)
	if err != nil {
		return false, err
	}
	return v == 1, nil
}

func (s *Settings) Threads(ctx context.Context) (int, error) {
	v, err := s.number(ctx, KeyThreads)
	if err != nil {
		return 0, err
	}
	if !(v >= 1 && v <= MaxThreads) {
		return 0, errors.Errorf("%s must be between 1 and %d, got %v", s.Key(KeyThreads), MaxThreads, v)
	}
	return int(v), nil
}

func (s *Settings) Period(ctx context.Context) (time.Duration, error) {
	return s.seconds(ctx, KeyPeriodSec)
}

func (s *Settings) HeartbeatPeriod(ctx context.Context) (time.Duration, error) {
	return s.seconds(ctx, KeyHeartbeatPeriodSec)
}

func (s *Settings) HeartbeatTimeout(ctx context.Context) (time.Duration, error) {
	return s.seconds(ctx, KeyHeartbeatTimeoutSec)
}

func (s *Settings) seconds(ctx context.Context, suffix string) (time.Duration, error) {
	v, err := s.number(ctx, suffix)
	if err != nil {
		return 0, err
	}
	// Compare in seconds so that huge values are rejected before the
	// conversion can overflow; NaN fails both comparisons.
	if !(v >= MinDuration.Seconds() && v <= MaxDuration.Seconds()) {
		return 0, errors.Errorf("%s must be between %v and %v, got %v", s.Key(suffix), MinDuration, MaxDuration, v)
	}
	return time.Duration(v * float64(time.Second)), nil
}

// Load reads every parameter.
func (s *Settings) Load(ctx context.Context) (Values, error) {
	var (
		v   Values
		err error
	)
	if v.Enabled, err = s.Enabled(ctx); err != nil {
		return Values{}, err
	}
	if v.Period, err = s.Period(ctx); err != nil {
		return Values{}, err
	}
	if v.Threads, err = s.Threads(ctx); err != nil {
		return Values{}, err
	}
	if v.HeartbeatPeriod, err = s.HeartbeatPeriod(ctx); err != nil {
		return Values{}, err
	}
	if v.HeartbeatTimeout, err = s.HeartbeatTimeout(ctx); err != nil {
		return Values{}, err
	}
	if v.HeartbeatPeriod >= v.HeartbeatTimeout {
		return Values{}, errors.Errorf("%s (%v) must be shorter than %s (%v)",
			s.Key(KeyHeartbeatPeriodSec), v.HeartbeatPeriod, s.Key(KeyHeartbeatTimeoutSec), v.HeartbeatTimeout)
	}
	return v, nil
}

package dispatch

import (
	"testing"
	"time"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/stretchr/testify/suite"
)

type PlannerSuite struct {
	suite.Suite
	pl *Planner
}

func (s *PlannerSuite) SetupTest() {
	s.pl = NewPlanner(models.RetryPolicy{})
}

func (s *PlannerSuite) TestBackoffDelay_Exponential() {
	p := models.RetryPolicy{InitialBackoff: time.Second, MaxBackoff: time.Minute, Multiplier: 2}
	s.Equal(1*time.Second, s.pl.BackoffDelay(p, 1))
	s.Equal(2*time.Second, s.pl.BackoffDelay(p, 2))
	s.Equal(4*time.Second, s.pl.BackoffDelay(p, 3))
	s.Equal(32*time.Second, s.pl.BackoffDelay(p, 6))
	s.Equal(time.Minute, s.pl.BackoffDelay(p, 7))
	s.Equal(time.Minute, s.pl.BackoffDelay(p, 500))
}

func (s *PlannerSuite) TestBackoffDelay_ZeroAttemptIsFirst() {
	p := models.RetryPolicy{InitialBackoff: 3 * time.Second}
	s.Equal(3*time.Second, s.pl.BackoffDelay(p, 0))
}

func (s *PlannerSuite) TestPolicy_Defaults() {
	p := s.pl.Policy(models.RetryPolicy{})
	s.Equal(DefaultRetryPolicy(), p)

	custom := s.pl.Policy(models.RetryPolicy{MaxAttempts: 3, Multiplier: 0.5})
	s.Equal(3, custom.MaxAttempts)
	s.Equal(2.0, custom.Multiplier)
}

func (s *PlannerSuite) TestNewPlanner_CustomDefaults() {
	pl := NewPlanner(models.RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Minute, MaxBackoff: time.Second})
	p := pl.Policy(models.RetryPolicy{})
	s.Equal(2, p.MaxAttempts)
	s.Equal(time.Minute, p.MaxBackoff)
}

func TestPlannerSuite(t *testing.T) {
	suite.Run(t, new(PlannerSuite))
}

package tenant

// Client plan names.
const (
	PlanTrial   = "trial"
	PlanStarter = "starter"
	PlanGrowth  = "growth"
	PlanScale   = "scale"
)

// PlanConfig defines the limits of a client pricing tier.
type PlanConfig struct {
	Name             string
	MonthlyCallLimit int
}

// Plans is the hardcoded client plan catalogue.
var Plans = map[string]PlanConfig{
	PlanTrial:   {Name: PlanTrial, MonthlyCallLimit: 100},
	PlanStarter: {Name: PlanStarter, MonthlyCallLimit: 500},
	PlanGrowth:  {Name: PlanGrowth, MonthlyCallLimit: 2000},
	PlanScale:   {Name: PlanScale, MonthlyCallLimit: 10000},
}

// ValidPlan returns true if the plan name is recognised.
func ValidPlan(name string) bool {
	_, ok := Plans[name]
	return ok
}

// CallLimitForPlan returns the monthly call allowance for a plan, falling
// back to the trial allowance for unknown names.
func CallLimitForPlan(name string) int {
	if p, ok := Plans[name]; ok {
		return p.MonthlyCallLimit
	}
	return Plans[PlanTrial].MonthlyCallLimit
}

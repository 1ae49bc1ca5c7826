package fault

import "turbine-health-monitor/internal/models"

// Guide is the fixed troubleshooting entry for one fault category.
type Guide struct {
	Category           models.FaultCategory `json:"fault_category"`
	Description        string               `json:"description"`
	PossibleCauses     []string             `json:"possible_causes"`
	Checks             []string             `json:"checks"`
	RecommendedActions []string             `json:"recommended_actions"`
	Urgency            string               `json:"urgency"` // none, low, medium, high, critical
}

var guides = map[models.FaultCategory]Guide{
	models.FaultGridEvent: {
		Description: "Grid-side event affecting output: curtailment, voltage dip or frequency deviation.",
		PossibleCauses: []string{
			"Curtailment order from the grid operator",
			"Voltage dip or frequency deviation",
			"Substation or line constraint",
		},
		Checks: []string{
			"Check grid operator instructions and curtailment logs",
			"Review substation SCADA for voltage and frequency events",
			"Verify reactive power and voltage control settings",
		},
		RecommendedActions: []string{
			"Quantify the energy lost to the event",
			"Coordinate with the grid operator on future constraints",
			"Confirm protection settings meet the grid code",
		},
		Urgency: models.SeverityLow,
	},
	models.FaultGearboxOvertemp: {
		Description: "Gearbox oil temperature is above its safe limit.",
		PossibleCauses: []string{
			"Low oil level or a leak",
			"Blocked oil cooler or failed cooling fan",
			"High ambient temperature under high load",
			"Degraded or contaminated oil",
		},
		Checks: []string{
			"Check gearbox oil level and look for leaks",
			"Inspect the oil cooler and fan",
			"Verify the temperature sensor against a reference",
			"Review recent load and wind conditions",
		},
		RecommendedActions: []string{
			"Derate the turbine until the cause is found",
			"Schedule a gearbox and cooling system inspection",
			"Take an oil sample if overheating repeats",
		},
		Urgency: models.SeverityHigh,
	},
	models.FaultNacelleOvertemp: {
		Description: "Nacelle air temperature is above its operating limit.",
		PossibleCauses: []string{
			"Nacelle ventilation or fan failure",
			"Heat from an overloaded generator or converter",
			"High ambient temperature",
		},
		Checks: []string{
			"Check nacelle fans and air filters",
			"Compare generator and converter temperatures",
			"Verify the nacelle temperature sensor",
		},
		RecommendedActions: []string{
			"Clean or replace blocked filters",
			"Derate during hot periods until ventilation is restored",
			"Schedule an electrical cabinet inspection",
		},
		Urgency: models.SeverityMedium,
	},
	models.FaultHighVibration: {
		Description: "Drivetrain vibration exceeds normal operating limits.",
		PossibleCauses: []string{
			"Rotor imbalance from ice, dirt or blade damage",
			"Bearing wear or shaft misalignment",
			"Structural or foundation looseness",
			"Gear mesh damage",
		},
		Checks: []string{
			"Inspect blades for ice, dirt or damage",
			"Listen for abnormal main bearing and gearbox noise",
			"Verify vibration sensor mounting and wiring",
			"Compare the vibration trend with the turbine's baseline",
		},
		RecommendedActions: []string{
			"Stop and inspect before restart if vibration is very high",
			"Order a detailed condition-monitoring analysis",
			"Escalate to the OEM if it repeats",
		},
		Urgency: models.SeverityHigh,
	},
	models.FaultYawMisalignment: {
		Description: "Nacelle is misaligned with the wind direction, costing power.",
		PossibleCauses: []string{
			"Wind vane offset or failure",
			"Yaw drive or brake malfunction",
			"Yaw deadband set too wide",
		},
		Checks: []string{
			"Compare nacelle direction with met mast or lidar data",
			"Check yaw system alarms",
			"Inspect yaw drives, brakes and cabling",
		},
		RecommendedActions: []string{
			"Recalibrate the wind vane",
			"Schedule a yaw system inspection",
			"Review the yaw deadband with the OEM",
		},
		Urgency: models.SeverityMedium,
	},
	models.FaultPitchStuck: {
		Description: "Pitch system is not responding; blades may be held at one angle.",
		PossibleCauses: []string{
			"Hydraulic or electric pitch actuator failure",
			"Pitch controller communication fault",
			"Mechanical blockage in the hub or pitch bearing",
		},
		Checks: []string{
			"Read pitch system alarms and error codes",
			"Verify hydraulic pressure or pitch drive supply",
			"Inspect the hub when access is permitted",
		},
		RecommendedActions: []string{
			"Keep the turbine stopped until the pitch system is inspected",
			"Escalate to the OEM if several blades are affected",
			"Never override pitch manually outside the safety procedure",
		},
		Urgency: models.SeverityCritical,
	},
	models.FaultNone: {
		Description:        "No fault detected by the current rules.",
		PossibleCauses:     []string{"Normal operation or deviation within tolerance"},
		Checks:             []string{"Keep monitoring trends for early drift"},
		RecommendedActions: []string{"No action required"},
		Urgency:            models.SeverityNone,
	},
}

// Guidance returns the troubleshooting entry for category c.
func Guidance(c models.FaultCategory) (Guide, bool) {
	g, ok := guides[c]
	if !ok {
		return Guide{}, false
	}
	g.Category = c
	g.PossibleCauses = append([]string(nil), g.PossibleCauses...)
	g.Checks = append([]string(nil), g.Checks...)
	g.RecommendedActions = append([]string(nil), g.RecommendedActions...)
	return g, true
}

// AllGuidance returns every entry in classifier priority order.
func AllGuidance() []Guide {
	out := make([]Guide, 0, len(models.FaultCategories))
	for _, c := range models.FaultCategories {
		if g, ok := Guidance(c); ok {
			out = append(out, g)
		}
	}
	return out
}

// PrimaryAction returns the first recommended action for c, or "".
func PrimaryAction(c models.FaultCategory) string {
	if g, ok := guides[c]; ok && len(g.RecommendedActions) > 0 {
		return g.RecommendedActions[0]
	}
	return ""
}

package intake

import "strings"

// Category is a ticket problem type. Values are the exact wire strings.
type Category string

const (
	CategoryHardware    Category = "Hardware"
	CategorySoftware    Category = "Software"
	CategoryProject     Category = "Project / Planned Work"
	CategoryNetwork     Category = "Network / Connectivity"
	CategoryDeployment  Category = "New Device / Deployment"
	CategoryMaintenance Category = "Maintenance / Preventitive"
	CategoryAccess      Category = "User Account / Access"
	CategorySecurity    Category = "Security / Malware"
	CategoryInternal    Category = "Internal / MSP Operations"
	CategoryOther       Category = "Other"
)

// Categories lists every problem type in presentation order.
var Categories = []Category{
	CategoryHardware,
	CategorySoftware,
	CategoryProject,
	CategoryNetwork,
	CategoryDeployment,
	CategoryMaintenance,
	CategoryAccess,
	CategorySecurity,
	CategoryInternal,
	CategoryOther,
}

// keywordTable is checked in order after an exact match fails.
var keywordTable = []struct {
	keywords []string
	category Category
}{
	{[]string{"hardware", "device issue"}, CategoryHardware},
	{[]string{"software", "application"}, CategorySoftware},
	{[]string{"network", "connectivity", "internet"}, CategoryNetwork},
	{[]string{"project", "planned"}, CategoryProject},
	{[]string{"deployment", "new device", "setup"}, CategoryDeployment},
	{[]string{"maintenance", "preventive", "preventitive"}, CategoryMaintenance},
	{[]string{"account", "access", "password", "login"}, CategoryAccess},
	{[]string{"security", "malware", "virus"}, CategorySecurity},
	{[]string{"msp", "internal", "operations"}, CategoryInternal},
}

// NormalizeCategory maps any string onto one of Categories. Exact
// case-insensitive matches win, then the keyword table, then Other.
func NormalizeCategory(s string) Category {
	if s == "" {
		return CategoryOther
	}
	for _, c := range Categories {
		if strings.EqualFold(string(c), s) {
			return c
		}
	}
	lower := strings.ToLower(s)
	for _, row := range keywordTable {
		for _, kw := range row.keywords {
			if strings.Contains(lower, kw) {
				return row.category
			}
		}
	}
	return CategoryOther
}

// Valid reports whether c is one of Categories.
func (c Category) Valid() bool {
	for _, v := range Categories {
		if c == v {
			return true
		}
	}
	return false
}

package recovery

// Category is the failure taxonomy used for exit codes and recovery probes.
type Category string

// Failure categories.
const (
	CategorySuccess       Category = "success"
	CategoryGeneral       Category = "general"
	CategoryPermission    Category = "permission"
	CategoryNetwork       Category = "network"
	CategoryDependency    Category = "dependency"
	CategoryBuild         Category = "build"
	CategoryConfiguration Category = "configuration"
	CategoryUserAbort     Category = "user_abort"
)

// Process exit codes, one per category.
const (
	ExitSuccess       = 0
	ExitGeneral       = 1
	ExitPermission    = 2
	ExitNetwork       = 3
	ExitDependency    = 4
	ExitBuild         = 5
	ExitConfiguration = 6
	ExitUserAbort     = 130
)

// ExitCode returns the process exit code of the category.
// Unknown categories map to the general error code.
func (c Category) ExitCode() int {
	switch c {
	case CategorySuccess:
		return ExitSuccess
	case CategoryPermission:
		return ExitPermission
	case CategoryNetwork:
		return ExitNetwork
	case CategoryDependency:
		return ExitDependency
	case CategoryBuild:
		return ExitBuild
	case CategoryConfiguration:
		return ExitConfiguration
	case CategoryUserAbort:
		return ExitUserAbort
	default:
		return ExitGeneral
	}
}

// CategoryForExitCode maps an exit code back to its category.
func CategoryForExitCode(code int) Category {
	for _, category := range []Category{
		CategorySuccess, CategoryPermission, CategoryNetwork, CategoryDependency,
		CategoryBuild, CategoryConfiguration, CategoryUserAbort,
	} {
		if category.ExitCode() == code {
			return category
		}
	}

	return CategoryGeneral
}

// String implements fmt.Stringer.
func (c Category) String() string {
	return string(c)
}

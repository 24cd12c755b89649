package httpserver

const (
	ErrInvalidJSON   = "invalid json"
	ErrMissingTenant = "missing tenant"
	ErrBadChannel    = "unknown channel type"
	ErrDependency    = "dependency error"
	ErrNotFound      = "not found"
)
